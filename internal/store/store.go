// Package store wraps the PostgreSQL connection pool, binds per-request
// audit identity to transactions, and serves the named-query catalog.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/model"
)

// Querier is the query surface shared by *pgxpool.Pool and pgx.Tx, so
// repositories work identically inside and outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DefaultCommandTimeout bounds statements when no timeout is configured.
const DefaultCommandTimeout = 30 * time.Second

// Options configures the pool.
type Options struct {
	MinConns int32
	MaxConns int32
	// CommandTimeout bounds every statement issued through WithTx.
	CommandTimeout time.Duration
}

// Store owns the pgx pool.
type Store struct {
	pool       *pgxpool.Pool
	cmdTimeout time.Duration
	logger     *zap.Logger
}

// New connects to Postgres and verifies the connection with a ping.
func New(ctx context.Context, databaseURL string, opts Options, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Store{pool: pool, cmdTimeout: timeout, logger: logger}, nil
}

// Pool exposes the raw pool for read paths that do not need a transaction.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// WithTx runs fn inside a single transaction with the audit identity bound
// via transaction-local session settings. The connection is acquired per
// transaction, not per statement, so the settings stay attached for the
// whole mutation. SET LOCAL scoping unbinds them at commit/rollback.
func (s *Store) WithTx(ctx context.Context, audit model.AuditIdentity, fn func(tx Querier) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cmdTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := bindAudit(ctx, tx, audit); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func bindAudit(ctx context.Context, tx pgx.Tx, audit model.AuditIdentity) error {
	kind := audit.Kind
	if kind == "" {
		kind = "system"
	}
	var id string
	if audit.ID != uuid.Nil {
		id = audit.ID.String()
	}
	_, err := tx.Exec(ctx,
		`SELECT set_config('nebula.changed_by_type', $1, true), set_config('nebula.changed_by_id', $2, true)`,
		kind, id,
	)
	if err != nil {
		return fmt.Errorf("bind audit identity: %w", err)
	}
	return nil
}
