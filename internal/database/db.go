package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"joke-bot/internal/config"
	"joke-bot/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConstraint   = errors.New("constraint violation")
	ErrInvalidInput = errors.New("invalid input")
	ErrTimeout      = errors.New("database operation timed out")
)

type ConnectionError struct {
	Driver string
	Addr   string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s database at %s: %v", e.Driver, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the caller may retry the operation unchanged.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	return errors.Is(err, ErrTimeout) || errors.As(err, &connErr)
}

// JokeStore is the single data-access contract of the bot. A zero-row
// result is reported through an ok flag or an empty slice, never an error.
type JokeStore interface {
	EnsureUser(ctx context.Context, externalID int64) (int64, error)
	CountUsers(ctx context.Context) (int, error)
	UserAtPosition(ctx context.Context, position int) (int64, error)
	ExternalUserIDs(ctx context.Context) ([]int64, error)

	RecordJoke(ctx context.Context, text, author string, externalID int64) error
	RandomJoke(ctx context.Context) (models.Joke, bool, error)
	JokesByUser(ctx context.Context, externalID int64) ([]string, error)
	CountJokesByUser(ctx context.Context, externalID int64) (int, error)
	CountJokes(ctx context.Context) (int, error)
	DeleteJokesByUser(ctx context.Context, externalID int64) (int64, error)
	DeleteAllJokes(ctx context.Context) error

	HasPending(ctx context.Context) (bool, error)
	PeekOldestPending(ctx context.Context) (models.PendingJoke, bool, error)
	PopOldestPending(ctx context.Context) error
	RemovePending(ctx context.Context, seq int64) error
	DrainPending(ctx context.Context) (int64, error)

	IsAdmin(ctx context.Context, externalID int64) (bool, error)
	IsAdminName(ctx context.Context, displayName string) (bool, error)
	AddAdmin(ctx context.Context, externalID int64, displayName string, invitedBy int64) error
	RemoveAdmin(ctx context.Context, externalID int64) error
	ListAdmins(ctx context.Context) ([]models.Admin, error)

	DumpToFile(ctx context.Context, path string) error
	ResetSchema(ctx context.Context) error
	Migrator() *Migrator

	Ping(ctx context.Context) error
	Driver() string
	Close() error
}

type openOptions struct {
	skipMigrations bool
}

type Option func(*openOptions)

// WithoutMigrations opens the store as-is. The migrator uses it so that
// up and status act on the real schema state.
func WithoutMigrations() Option {
	return func(o *openOptions) {
		o.skipMigrations = true
	}
}

func applyOptions(opts []Option) openOptions {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open connects to the configured backend and, unless WithoutMigrations is
// given, applies pending migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (JokeStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return NewPostgres(ctx, cfg, opts...)
	case config.DriverSQLite:
		return NewSQLite(ctx, cfg, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownDriver, cfg.Driver)
	}
}

// timeouts bounds every store call and translates deadline errors.
type timeouts struct {
	query time.Duration
}

func (t timeouts) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.query <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.query)
}

func wrapTimeout(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
