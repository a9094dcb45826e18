package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"joke-bot/internal/config"
	"joke-bot/internal/models"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteBusyTimeoutMS = 5000

type sqliteStore struct {
	db       *sql.DB
	migrator *Migrator
	timeouts timeouts
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteDSN(path string) string {
	return fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		path, sqliteBusyTimeoutMS,
	)
}

func NewSQLite(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (JokeStore, error) {
	connErr := func(err error) error {
		return &ConnectionError{Driver: config.DriverSQLite, Addr: cfg.Path, Err: err}
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, connErr(err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(cfg.Path))
	if err != nil {
		return nil, connErr(err)
	}

	// SQLite allows one writer; a single connection keeps transactions
	// from deadlocking against the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, connErr(err)
	}

	migrator, err := newMigrator(db, config.DriverSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}

	if !applyOptions(opts).skipMigrations {
		if _, err := migrator.Up(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &sqliteStore{
		db:       db,
		migrator: migrator,
		timeouts: timeouts{query: cfg.QueryTimeout},
	}, nil
}

func (s *sqliteStore) Driver() string {
	return config.DriverSQLite
}

func (s *sqliteStore) Migrator() *Migrator {
	return s.migrator
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return s.fail("ping", err)
	}
	return nil
}

func (s *sqliteStore) fail(op string, err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%s: %w: %w", op, ErrConstraint, err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
		}
	}
	return wrapTimeout(op, err)
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) count(ctx context.Context, op, query string, args ...any) (int, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, s.fail(op, err)
	}
	return count, nil
}

func (s *sqliteStore) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.fail(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.fail(op, err)
	}
	return n, nil
}

// Users

func sqliteEnsureUser(ctx context.Context, q sqlQuerier, externalID int64) (int64, error) {
	const query = `
		INSERT INTO users (external_id)
		VALUES (?)
		ON CONFLICT (external_id) DO UPDATE SET external_id = excluded.external_id
		RETURNING id
	`
	var id int64
	err := q.QueryRowContext(ctx, query, externalID).Scan(&id)
	return id, err
}

func (s *sqliteStore) EnsureUser(ctx context.Context, externalID int64) (int64, error) {
	if err := validateExternalID("user id", externalID); err != nil {
		return 0, err
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	id, err := sqliteEnsureUser(ctx, s.db, externalID)
	if err != nil {
		return 0, s.fail("ensure user", err)
	}
	return id, nil
}

func (s *sqliteStore) CountUsers(ctx context.Context) (int, error) {
	return s.count(ctx, "count users", "SELECT COUNT(*) FROM users")
}

func (s *sqliteStore) UserAtPosition(ctx context.Context, position int) (int64, error) {
	if position < 1 {
		return 0, fmt.Errorf("user at position %d: %w", position, ErrNotFound)
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	var externalID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT external_id FROM users ORDER BY id LIMIT 1 OFFSET ?", position-1,
	).Scan(&externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("user at position %d: %w", position, ErrNotFound)
		}
		return 0, s.fail("user at position", err)
	}
	return externalID, nil
}

func (s *sqliteStore) ExternalUserIDs(ctx context.Context) ([]int64, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT external_id FROM users ORDER BY id")
	if err != nil {
		return nil, s.fail("list users", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, s.fail("list users", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list users", err)
	}
	return ids, nil
}

// Jokes

func (s *sqliteStore) RecordJoke(ctx context.Context, text, author string, externalID int64) error {
	if err := validateJoke(text, author, externalID); err != nil {
		return err
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		owner, err := sqliteEnsureUser(ctx, tx, externalID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO jokes (owner, text, author) VALUES (?, ?, ?)",
			owner, text, author,
		); err != nil {
			return err
		}

		// CURRENT_TIMESTAMP has second precision; the queue dedupe id needs finer.
		_, err = tx.ExecContext(ctx,
			"INSERT INTO pending_jokes (owner, text, author, created_at) VALUES (?, ?, ?, ?)",
			owner, text, author, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return s.fail("record joke", err)
	}
	return nil
}

func (s *sqliteStore) RandomJoke(ctx context.Context) (models.Joke, bool, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	const query = `
		SELECT id, owner, text, author, created_at
		FROM jokes
		ORDER BY RANDOM()
		LIMIT 1
	`
	var joke models.Joke
	err := s.db.QueryRowContext(ctx, query).Scan(&joke.ID, &joke.Owner, &joke.Text, &joke.Author, &joke.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Joke{}, false, nil
		}
		return models.Joke{}, false, s.fail("random joke", err)
	}
	return joke, true, nil
}

func (s *sqliteStore) JokesByUser(ctx context.Context, externalID int64) ([]string, error) {
	if err := validateExternalID("user id", externalID); err != nil {
		return nil, err
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	const query = `
		SELECT j.text
		FROM jokes j
		JOIN users u ON u.id = j.owner
		WHERE u.external_id = ?
		ORDER BY j.id
	`
	rows, err := s.db.QueryContext(ctx, query, externalID)
	if err != nil {
		return nil, s.fail("jokes by user", err)
	}
	defer rows.Close()

	texts := []string{}
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, s.fail("jokes by user", err)
		}
		texts = append(texts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("jokes by user", err)
	}
	return texts, nil
}

func (s *sqliteStore) CountJokesByUser(ctx context.Context, externalID int64) (int, error) {
	if err := validateExternalID("user id", externalID); err != nil {
		return 0, err
	}
	return s.count(ctx, "count jokes by user", `
		SELECT COUNT(*)
		FROM jokes j
		JOIN users u ON u.id = j.owner
		WHERE u.external_id = ?
	`, externalID)
}

func (s *sqliteStore) CountJokes(ctx context.Context) (int, error) {
	return s.count(ctx, "count jokes", "SELECT COUNT(*) FROM jokes")
}

func (s *sqliteStore) DeleteJokesByUser(ctx context.Context, externalID int64) (int64, error) {
	if err := validateExternalID("user id", externalID); err != nil {
		return 0, err
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const ownerFilter = `owner IN (SELECT id FROM users WHERE external_id = ?)`

		res, err := tx.ExecContext(ctx, "DELETE FROM jokes WHERE "+ownerFilter, externalID)
		if err != nil {
			return err
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, "DELETE FROM pending_jokes WHERE "+ownerFilter, externalID)
		return err
	})
	if err != nil {
		return 0, s.fail("delete jokes by user", err)
	}
	return deleted, nil
}

func (s *sqliteStore) DeleteAllJokes(ctx context.Context) error {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM jokes"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM pending_jokes")
		return err
	})
	if err != nil {
		return s.fail("delete all jokes", err)
	}
	return nil
}

// Pending queue

func (s *sqliteStore) HasPending(ctx context.Context) (bool, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pending_jokes)").Scan(&exists); err != nil {
		return false, s.fail("has pending", err)
	}
	return exists, nil
}

func (s *sqliteStore) PeekOldestPending(ctx context.Context) (models.PendingJoke, bool, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	const query = `
		SELECT seq, owner, text, author, created_at
		FROM pending_jokes
		ORDER BY seq
		LIMIT 1
	`
	var p models.PendingJoke
	err := s.db.QueryRowContext(ctx, query).Scan(&p.Seq, &p.Owner, &p.Text, &p.Author, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PendingJoke{}, false, nil
		}
		return models.PendingJoke{}, false, s.fail("peek pending", err)
	}
	return p, true, nil
}

func (s *sqliteStore) PopOldestPending(ctx context.Context) error {
	_, err := s.exec(ctx, "pop pending",
		"DELETE FROM pending_jokes WHERE seq = (SELECT MIN(seq) FROM pending_jokes)")
	return err
}

func (s *sqliteStore) RemovePending(ctx context.Context, seq int64) error {
	_, err := s.exec(ctx, "remove pending", "DELETE FROM pending_jokes WHERE seq = ?", seq)
	return err
}

func (s *sqliteStore) DrainPending(ctx context.Context) (int64, error) {
	return s.exec(ctx, "drain pending", "DELETE FROM pending_jokes")
}

// Admins

func (s *sqliteStore) exists(ctx context.Context, op, query string, arg any) (bool, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, arg).Scan(&exists); err != nil {
		return false, s.fail(op, err)
	}
	return exists, nil
}

func (s *sqliteStore) IsAdmin(ctx context.Context, externalID int64) (bool, error) {
	if err := validateExternalID("admin id", externalID); err != nil {
		return false, err
	}
	return s.exists(ctx, "is admin", "SELECT EXISTS(SELECT 1 FROM admins WHERE external_id = ?)", externalID)
}

func (s *sqliteStore) IsAdminName(ctx context.Context, displayName string) (bool, error) {
	if err := validateName("admin name", displayName, true); err != nil {
		return false, err
	}
	return s.exists(ctx, "is admin name", "SELECT EXISTS(SELECT 1 FROM admins WHERE display_name = ?)", displayName)
}

func (s *sqliteStore) AddAdmin(ctx context.Context, externalID int64, displayName string, invitedBy int64) error {
	if err := validateAdmin(externalID, displayName, invitedBy); err != nil {
		return err
	}
	_, err := s.exec(ctx, "add admin",
		"INSERT INTO admins (external_id, display_name, invited_by) VALUES (?, ?, ?)",
		externalID, displayName, invitedBy,
	)
	return err
}

func (s *sqliteStore) RemoveAdmin(ctx context.Context, externalID int64) error {
	if err := validateExternalID("admin id", externalID); err != nil {
		return err
	}
	_, err := s.exec(ctx, "remove admin", "DELETE FROM admins WHERE external_id = ?", externalID)
	return err
}

func (s *sqliteStore) ListAdmins(ctx context.Context) ([]models.Admin, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	const query = `
		SELECT external_id, display_name, invited_by, created_at
		FROM admins
		ORDER BY created_at, external_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, s.fail("list admins", err)
	}
	defer rows.Close()

	admins := []models.Admin{}
	for rows.Next() {
		var a models.Admin
		if err := rows.Scan(&a.ExternalID, &a.DisplayName, &a.InvitedBy, &a.CreatedAt); err != nil {
			return nil, s.fail("list admins", err)
		}
		admins = append(admins, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list admins", err)
	}
	return admins, nil
}

// Maintenance

// sqlRows adapts *sql.Rows to the dump writer's rowSource.
type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Values() ([]any, error) {
	cols, err := r.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}

func (r sqlRows) Close() {
	r.Rows.Close()
}

func (s *sqliteStore) DumpToFile(ctx context.Context, path string) error {
	query := func(ctx context.Context, q string) (rowSource, error) {
		rows, err := s.db.QueryContext(ctx, q)
		if err != nil {
			return nil, err
		}
		return sqlRows{rows}, nil
	}

	err := writeFileAtomic(path, func(w io.Writer) error {
		return writeDump(ctx, w, config.DriverSQLite, query, nil)
	})
	if err != nil {
		return s.fail("dump", err)
	}
	return nil
}

func (s *sqliteStore) ResetSchema(ctx context.Context) error {
	if err := s.migrator.Reset(ctx); err != nil {
		return s.fail("reset schema", err)
	}
	return nil
}
