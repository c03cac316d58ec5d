package idempotency

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/SSR3-FinalPj/AI-auto/pkg/config"
	"github.com/SSR3-FinalPj/AI-auto/pkg/db"
)

// Open builds the registry selected by cfg.Backend.
func Open(ctx context.Context, cfg *config.IdempotencyConfig) (Registry, error) {
	ttl := cfg.TTL.Std()

	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemory(ttl), nil

	case config.BackendSQLite:
		d, err := db.Init(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite registry: %w", err)
		}
		slog.Info("Idempotency registry on sqlite", "path", cfg.SQLitePath, "ttl", ttl)
		return NewSQLite(d, ttl), nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		r := NewRedis(client, cfg.Redis.Prefix, ttl)
		if err := r.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("open redis registry at %s: %w", cfg.Redis.Addr, err)
		}
		slog.Info("Idempotency registry on redis", "addr", cfg.Redis.Addr, "ttl", ttl)
		return r, nil
	}

	return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
}
