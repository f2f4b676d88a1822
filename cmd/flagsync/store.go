package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/afero"

	"github.com/matt-riley/flagsync/internal/config"
	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/snapshot"
)

const storeCloseTimeout = 5 * time.Second

// openSnapshotStore opens the configured backend. The returned close func is
// always safe to call. A nil store means snapshots are disabled. m may be nil.
func openSnapshotStore(ctx context.Context, cfg config.Config, m *metrics.Metrics) (snapshot.Store, func(), error) {
	scope := snapshot.Scope{AppKey: cfg.AppKey, Environment: cfg.Environment}
	noop := func() {}

	switch cfg.SnapshotBackend {
	case config.BackendMemory:
		return snapshot.NewMemory(), noop, nil

	case config.BackendFile:
		return snapshot.NewFile(afero.NewOsFs(), cfg.SnapshotPath, scope), noop, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connect postgres: %w", err)
		}
		if m != nil {
			metrics.RegisterPoolMetrics(m.Registry, pool)
		}
		return snapshot.NewPostgres(pool, scope), pool.Close, nil

	case config.BackendRedis:
		client, err := snapshot.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, noop, err
		}
		return snapshot.NewRedis(client, scope, 0), func() {
			if err := client.Close(); err != nil {
				slog.Warn("close redis", "error", err)
			}
		}, nil

	case config.BackendMongo:
		client, err := snapshot.ConnectMongo(ctx, cfg.MongoURL)
		if err != nil {
			return nil, noop, err
		}
		coll := client.Database(cfg.MongoDatabase).Collection(snapshot.MongoCollectionName)
		return snapshot.NewMongo(coll, scope), func() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeCloseTimeout)
			defer cancel()
			if err := client.Disconnect(closeCtx); err != nil {
				slog.Warn("disconnect mongo", "error", err)
			}
		}, nil

	default:
		return nil, noop, nil
	}
}
