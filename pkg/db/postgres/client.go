// Package postgres implements the domain stores on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradesim-core/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    username TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'user',
    balance_usd NUMERIC(28, 8) NOT NULL DEFAULT 0,
    credit_score BIGINT NOT NULL DEFAULT 0,
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL REFERENCES users(id),
    instrument TEXT NOT NULL,
    stake NUMERIC(28, 8) NOT NULL,
    direction TEXT NOT NULL,
    payout_rate NUMERIC(12, 4) NOT NULL,
    duration_seconds BIGINT NOT NULL,
    opened_at TIMESTAMPTZ NOT NULL,
    closes_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    settlement_applied BOOLEAN NOT NULL DEFAULT FALSE,
    admin_set BOOLEAN NOT NULL DEFAULT FALSE,
    resolved_at TIMESTAMPTZ,
    settled_at TIMESTAMPTZ,
    version BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_positions_owner ON positions(owner_id, opened_at);
CREATE INDEX IF NOT EXISTS idx_positions_due ON positions(closes_at) WHERE NOT settlement_applied;

CREATE TABLE IF NOT EXISTS balance_changes (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    amount NUMERIC(28, 8) NOT NULL,
    balance_after NUMERIC(28, 8) NOT NULL,
    ref_id TEXT NOT NULL DEFAULT '',
    note TEXT NOT NULL DEFAULT '',
    seq BIGSERIAL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_balance_changes_user ON balance_changes(user_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS uq_balance_changes_ref ON balance_changes(kind, ref_id)
    WHERE kind IN ('trade_open', 'settlement', 'compensation', 'withdrawal', 'withdrawal_refund');

CREATE TABLE IF NOT EXISTS credit_changes (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount BIGINT NOT NULL,
    score_after BIGINT NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    seq BIGSERIAL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS withdrawals (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    amount NUMERIC(28, 8) NOT NULL,
    address TEXT NOT NULL,
    network TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// ClientConfig holds connection parameters for the PostgreSQL store.
type ClientConfig struct {
	DSN      string
	MaxConns int
	MinConns int
}

// Store implements domain.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Store)(nil)

// New connects, pings and applies the schema.
func New(ctx context.Context, cfg ClientConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema; every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withTx runs fn in a transaction, rolling back unless it committed.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(fmt.Errorf("postgres: begin: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("postgres: commit: %w", err))
	}
	committed = true
	return nil
}

// classify marks serialization failures, deadlocks and connection loss as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01":
			return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
		}
		return err
	}
	if pgconn.Timeout(err) || errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func normalizeOpts(opts domain.ListOpts, def, max int) domain.ListOpts {
	if opts.Limit <= 0 {
		opts.Limit = def
	}
	if opts.Limit > max {
		opts.Limit = max
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}
