package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"maintenance-reminders/internal/config"
)

const pingTimeout = 3 * time.Second

// Open selects the backend once at startup. Redis is used when configured and
// reachable; otherwise the in-memory backend is returned so local runs never
// hard-fail on missing infrastructure.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) Queue {
	if logger == nil {
		logger = slog.Default()
	}
	opts := OptionsFromConfig(cfg, logger)

	if cfg.QueueBackend == config.BackendMemory {
		logger.Info("queue backend selected", "backend", BackendMemory, "reason", "configured")
		return NewMemoryQueue(opts)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		logger.Warn("redis unreachable, falling back to in-memory queue",
			"backend", BackendMemory,
			"redis_addr", cfg.RedisAddr,
			"error", err,
		)
		return NewMemoryQueue(opts)
	}

	logger.Info("queue backend selected", "backend", BackendRedis, "redis_addr", cfg.RedisAddr)
	return NewRedisQueue(client, opts)
}
