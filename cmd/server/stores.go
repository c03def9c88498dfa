package main

import (
	"context"
	"fmt"
	"math"

	"github.com/linnemanlabs/go-core/log"

	hc "github.com/linnemanlabs/hush/internal/cfg"
	"github.com/linnemanlabs/hush/internal/postgres"
	"github.com/linnemanlabs/hush/internal/triage"
	"github.com/linnemanlabs/hush/internal/triage/memstore"
	"github.com/linnemanlabs/hush/internal/triage/pgstore"
	"github.com/linnemanlabs/hush/internal/triage/sqlitestore"
)

// store is what every backend provides: event records plus durable policies.
type store interface {
	triage.EventStore
	triage.PolicyBackend
}

// openStore picks the backend: postgres when a database url is set, sqlite
// when a path is set, otherwise in-memory. The returned close func is never nil.
func openStore(ctx context.Context, appCfg *hc.Config, L log.Logger) (store, func(), error) {
	if appCfg.DatabaseURL != "" {
		var opts []postgres.PoolOption
		if appCfg.DBMaxConns > 0 {
			opts = append(opts, postgres.WithMaxConns(int32(min(appCfg.DBMaxConns, math.MaxInt32)))) //nolint:gosec // bounded by Validate
		}
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		pg, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return pg, pool.Close, nil
	}

	path, err := appCfg.ResolveSQLitePath()
	if err != nil {
		return nil, nil, err
	}
	if path != "" {
		db, err := sqlitestore.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
		st, err := sqlitestore.New(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", path)
		return st, func() {
			if err := st.Close(); err != nil {
				L.Error(context.Background(), err, "failed to close sqlite store")
			}
		}, nil
	}

	L.Warn(ctx, "using in-memory store, events and policies are lost on restart")
	return memstore.New(), func() {}, nil
}
