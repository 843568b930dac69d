package app

import (
	"fmt"
	"log/slog"

	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/smashbros/backoffice/internal/bom"
	jobmetrics "github.com/smashbros/backoffice/internal/jobs"
	"github.com/smashbros/backoffice/internal/pos"
	"github.com/smashbros/backoffice/internal/snapshot"
)

// NewSnapshotBuilder wires the POS fetcher, BOM catalog, Postgres store and
// Redis lock into a snapshot builder. The API server and the worker share it.
func NewSnapshotBuilder(cfg *Config, pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) (*snapshot.Builder, error) {
	catalog, err := bom.LoadCatalog(cfg.BOMCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("app: load bom catalog: %w", err)
	}
	posCfg := cfg.POS()
	fetcher := pos.NewFetcher(pos.NewClient(posCfg, nil), posCfg, logger, metrics)

	var locker snapshot.Locker
	if rdb != nil {
		locker = redislock.New(rdb)
	}
	return snapshot.NewBuilder(snapshot.BuilderConfig{
		Store:    snapshot.NewRepository(pool),
		Source:   fetcher,
		Resolver: bom.NewResolver(catalog),
		Locker:   locker,
		LockTTL:  cfg.SnapshotLockTTL,
		Logger:   logger,
		Metrics:  metrics,
	}), nil
}
