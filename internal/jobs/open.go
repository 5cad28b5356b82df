package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/bulkgen/internal/common"
	"github.com/jo-hoe/bulkgen/internal/config"
)

// Open returns the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case common.DriverSQLite, "":
		logger.Info("using sqlite job store", "path", cfg.SQLite.Path)
		return NewSQLiteStore(cfg.SQLite.Path)
	case common.DriverPostgres:
		return NewPostgresStore(ctx, PostgresConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		}, logger)
	case common.DriverRedis:
		return NewRedisStore(ctx, RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
	case common.DriverMemory:
		logger.Warn("using in-memory job store; jobs are lost on restart")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
