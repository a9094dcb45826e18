package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"joke-bot/internal/config"
	"joke-bot/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

type postgresStore struct {
	pool     *pgxpool.Pool
	sqlDB    *sql.DB
	migrator *Migrator
	timeouts timeouts
}

func NewPostgres(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (JokeStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	connErr := func(err error) error {
		return &ConnectionError{Driver: config.DriverPostgres, Addr: cfg.Addr(), Err: err}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, connErr(err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, connErr(err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	migrator, err := newMigrator(sqlDB, config.DriverPostgres)
	if err != nil {
		sqlDB.Close()
		pool.Close()
		return nil, err
	}

	if !applyOptions(opts).skipMigrations {
		if _, err := migrator.Up(ctx); err != nil {
			sqlDB.Close()
			pool.Close()
			return nil, err
		}
	}

	return &postgresStore{
		pool:     pool,
		sqlDB:    sqlDB,
		migrator: migrator,
		timeouts: timeouts{query: cfg.QueryTimeout},
	}, nil
}

func (s *postgresStore) Driver() string {
	return config.DriverPostgres
}

func (s *postgresStore) Migrator() *Migrator {
	return s.migrator
}

func (s *postgresStore) Close() error {
	err := s.sqlDB.Close()
	s.pool.Close()
	return err
}

func (s *postgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return s.fail("ping", err)
	}
	return nil
}

func (s *postgresStore) fail(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503":
			return fmt.Errorf("%s: %w: %w", op, ErrConstraint, err)
		}
	}
	return wrapTimeout(op, err)
}

// withTx runs fn in a transaction that is rolled back unless fn succeeds.
func (s *postgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) count(ctx context.Context, op, query string, args ...any) (int, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, s.fail(op, err)
	}
	return count, nil
}

// Users

func pgEnsureUser(ctx context.Context, q pgQuerier, externalID int64) (int64, error) {
	const query = `
		INSERT INTO users (external_id)
		VALUES ($1)
		ON CONFLICT (external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		RETURNING id
	`
	var id int64
	err := q.QueryRow(ctx, query, externalID).Scan(&id)
	return id, err
}

func (s *postgresStore) EnsureUser(ctx context.Context, externalID int64) (int64, error) {
	if err := validateExternalID("user id", externalID); err != nil {
		return 0, err
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	id, err := pgEnsureUser(ctx, s.pool, externalID)
	if err != nil {
		return 0, s.fail("ensure user", err)
	}
	return id, nil
}

func (s *postgresStore) CountUsers(ctx context.Context) (int, error) {
	return s.count(ctx, "count users", "SELECT COUNT(*) FROM users")
}

func (s *postgresStore) UserAtPosition(ctx context.Context, position int) (int64, error) {
	if position < 1 {
		return 0, fmt.Errorf("user at position %d: %w", position, ErrNotFound)
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	const query = `SELECT external_id FROM users ORDER BY id LIMIT 1 OFFSET $1`
	var externalID int64
	if err := s.pool.QueryRow(ctx, query, position-1).Scan(&externalID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("user at position %d: %w", position, ErrNotFound)
		}
		return 0, s.fail("user at position", err)
	}
	return externalID, nil
}

func (s *postgresStore) ExternalUserIDs(ctx context.Context) ([]int64, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, "SELECT external_id FROM users ORDER BY id")
	if err != nil {
		return nil, s.fail("list users", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, s.fail("list users", err)
	}
	return ids, nil
}

// Jokes

func (s *postgresStore) RecordJoke(ctx context.Context, text, author string, externalID int64) error {
	if err := validateJoke(text, author, externalID); err != nil {
		return err
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		owner, err := pgEnsureUser(ctx, tx, externalID)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO jokes (owner, text, author) VALUES ($1, $2, $3)",
			owner, text, author,
		); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO pending_jokes (owner, text, author) VALUES ($1, $2, $3)",
			owner, text, author,
		)
		return err
	})
	if err != nil {
		return s.fail("record joke", err)
	}
	return nil
}

func (s *postgresStore) RandomJoke(ctx context.Context) (models.Joke, bool, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	const query = `
		SELECT id, owner, text, author, created_at
		FROM jokes
		ORDER BY RANDOM()
		LIMIT 1
	`
	var joke models.Joke
	err := s.pool.QueryRow(ctx, query).Scan(&joke.ID, &joke.Owner, &joke.Text, &joke.Author, &joke.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Joke{}, false, nil
		}
		return models.Joke{}, false, s.fail("random joke", err)
	}
	return joke, true, nil
}

func (s *postgresStore) JokesByUser(ctx context.Context, externalID int64) ([]string, error) {
	if err := validateExternalID("user id", externalID); err != nil {
		return nil, err
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	const query = `
		SELECT j.text
		FROM jokes j
		JOIN users u ON u.id = j.owner
		WHERE u.external_id = $1
		ORDER BY j.id
	`
	rows, err := s.pool.Query(ctx, query, externalID)
	if err != nil {
		return nil, s.fail("jokes by user", err)
	}

	texts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, s.fail("jokes by user", err)
	}
	if texts == nil {
		texts = []string{}
	}
	return texts, nil
}

func (s *postgresStore) CountJokesByUser(ctx context.Context, externalID int64) (int, error) {
	if err := validateExternalID("user id", externalID); err != nil {
		return 0, err
	}
	return s.count(ctx, "count jokes by user", `
		SELECT COUNT(*)
		FROM jokes j
		JOIN users u ON u.id = j.owner
		WHERE u.external_id = $1
	`, externalID)
}

func (s *postgresStore) CountJokes(ctx context.Context) (int, error) {
	return s.count(ctx, "count jokes", "SELECT COUNT(*) FROM jokes")
}

func (s *postgresStore) DeleteJokesByUser(ctx context.Context, externalID int64) (int64, error) {
	if err := validateExternalID("user id", externalID); err != nil {
		return 0, err
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	var deleted int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		const ownerFilter = `owner IN (SELECT id FROM users WHERE external_id = $1)`

		tag, err := tx.Exec(ctx, "DELETE FROM jokes WHERE "+ownerFilter, externalID)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()

		_, err = tx.Exec(ctx, "DELETE FROM pending_jokes WHERE "+ownerFilter, externalID)
		return err
	})
	if err != nil {
		return 0, s.fail("delete jokes by user", err)
	}
	return deleted, nil
}

func (s *postgresStore) DeleteAllJokes(ctx context.Context) error {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, "TRUNCATE TABLE jokes, pending_jokes"); err != nil {
		return s.fail("delete all jokes", err)
	}
	return nil
}

// Pending queue

func (s *postgresStore) HasPending(ctx context.Context) (bool, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pending_jokes)").Scan(&exists); err != nil {
		return false, s.fail("has pending", err)
	}
	return exists, nil
}

func (s *postgresStore) PeekOldestPending(ctx context.Context) (models.PendingJoke, bool, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	const query = `
		SELECT seq, owner, text, author, created_at
		FROM pending_jokes
		ORDER BY seq
		LIMIT 1
	`
	var p models.PendingJoke
	err := s.pool.QueryRow(ctx, query).Scan(&p.Seq, &p.Owner, &p.Text, &p.Author, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PendingJoke{}, false, nil
		}
		return models.PendingJoke{}, false, s.fail("peek pending", err)
	}
	return p, true, nil
}

func (s *postgresStore) PopOldestPending(ctx context.Context) error {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	const query = `DELETE FROM pending_jokes WHERE seq = (SELECT MIN(seq) FROM pending_jokes)`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return s.fail("pop pending", err)
	}
	return nil
}

func (s *postgresStore) RemovePending(ctx context.Context, seq int64) error {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, "DELETE FROM pending_jokes WHERE seq = $1", seq); err != nil {
		return s.fail("remove pending", err)
	}
	return nil
}

func (s *postgresStore) DrainPending(ctx context.Context) (int64, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, "DELETE FROM pending_jokes")
	if err != nil {
		return 0, s.fail("drain pending", err)
	}
	return tag.RowsAffected(), nil
}

// Admins

func (s *postgresStore) exists(ctx context.Context, op, query string, arg any) (bool, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	var exists bool
	if err := s.pool.QueryRow(ctx, query, arg).Scan(&exists); err != nil {
		return false, s.fail(op, err)
	}
	return exists, nil
}

func (s *postgresStore) IsAdmin(ctx context.Context, externalID int64) (bool, error) {
	if err := validateExternalID("admin id", externalID); err != nil {
		return false, err
	}
	return s.exists(ctx, "is admin", "SELECT EXISTS(SELECT 1 FROM admins WHERE external_id = $1)", externalID)
}

func (s *postgresStore) IsAdminName(ctx context.Context, displayName string) (bool, error) {
	if err := validateName("admin name", displayName, true); err != nil {
		return false, err
	}
	return s.exists(ctx, "is admin name", "SELECT EXISTS(SELECT 1 FROM admins WHERE display_name = $1)", displayName)
}

func (s *postgresStore) AddAdmin(ctx context.Context, externalID int64, displayName string, invitedBy int64) error {
	if err := validateAdmin(externalID, displayName, invitedBy); err != nil {
		return err
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	const query = `INSERT INTO admins (external_id, display_name, invited_by) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, externalID, displayName, invitedBy); err != nil {
		return s.fail("add admin", err)
	}
	return nil
}

func (s *postgresStore) RemoveAdmin(ctx context.Context, externalID int64) error {
	if err := validateExternalID("admin id", externalID); err != nil {
		return err
	}

	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, "DELETE FROM admins WHERE external_id = $1", externalID); err != nil {
		return s.fail("remove admin", err)
	}
	return nil
}

func (s *postgresStore) ListAdmins(ctx context.Context) ([]models.Admin, error) {
	ctx, cancel := s.timeouts.bound(ctx)
	defer cancel()

	const query = `
		SELECT external_id, display_name, invited_by, created_at
		FROM admins
		ORDER BY created_at, external_id
	`
	rows, err := s.pool.Query(ctx, query)
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

func (s *postgresStore) DumpToFile(ctx context.Context, path string) error {
	query := func(ctx context.Context, q string) (rowSource, error) {
		return s.pool.Query(ctx, q)
	}

	// Explicit ids are restored, so each serial must continue past them.
	resync := func(t dumpTable) string {
		if t.serial == "" {
			return ""
		}
		return fmt.Sprintf(
			"SELECT setval(pg_get_serial_sequence('%[1]s', '%[2]s'), COALESCE((SELECT MAX(%[2]s) FROM %[1]s), 0) + 1, false);",
			t.name, t.serial,
		)
	}

	err := writeFileAtomic(path, func(w io.Writer) error {
		return writeDump(ctx, w, config.DriverPostgres, query, resync)
	})
	if err != nil {
		return s.fail("dump", err)
	}
	return nil
}

func (s *postgresStore) ResetSchema(ctx context.Context) error {
	if err := s.migrator.Reset(ctx); err != nil {
		return s.fail("reset schema", err)
	}
	return nil
}
