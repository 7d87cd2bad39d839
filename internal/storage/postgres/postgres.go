// Package postgres owns the connection to the core store and the schema
// catalog introspection the merger depends on. The pipeline talks pgx for
// bulk work (COPY, upserts); goose and sqlx ride the stdlib adapter.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Store bundles the two views of the same database: a pgx pool for the
// pipeline and a database/sql handle (with sqlx on top) for migrations and
// report queries.
type Store struct {
	Pool *pgxpool.Pool
	DB   *sqlx.DB
}

// Open connects with exponential backoff and verifies the connection with a
// ping. search_path covers both candidate schemas plus staging so that
// unqualified statements resolve the same way everywhere.
func Open(ctx context.Context, databaseURL string, log *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	cfg.MaxConns = 8
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = "public,core,staging"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	ping := func() error { return pool.Ping(ctx) }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.RetryNotify(ping, bo, func(err error, next time.Duration) {
		log.Warn("database not ready, retrying", zap.Error(err), zap.Duration("next", next))
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	return &Store{Pool: pool, DB: sqlx.NewDb(db, "pgx")}, nil
}

// Close releases both handles. The stdlib adapter is closed first because it
// borrows connections from the pool.
func (s *Store) Close() {
	if s.DB != nil {
		_ = s.DB.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// Querier is the read surface the catalog helpers need. *sql.DB, *sqlx.DB
// and *sql.Tx all satisfy it, as do sqlmock handles in tests.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
