// Package postgres builds instrumented pgx connection pools.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSlowQuery is the duration above which successful queries are logged.
const DefaultSlowQuery = 250 * time.Millisecond

// PoolOption configures NewPool.
type PoolOption func(*pgxpool.Config, *time.Duration)

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) PoolOption {
	return func(c *pgxpool.Config, _ *time.Duration) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// WithSlowQuery sets the slow-query logging threshold. Zero logs every query.
func WithSlowQuery(d time.Duration) PoolOption {
	return func(_ *pgxpool.Config, slow *time.Duration) { *slow = d }
}

// NewPool parses databaseURL, installs the otelpgx tracer wrapped with query
// logging and metrics, and pings the server.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	slow := DefaultSlowQuery
	for _, o := range opts {
		o(cfg, &slow)
	}
	cfg.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(otelpgx.WithTrimSQLInSpanName()), slow)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
