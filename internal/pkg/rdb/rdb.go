// Package rdb provides Redis connection utilities.
package rdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"
)

// Config contains Redis connection configuration.
type Config struct {
	Addr            string
	Password        string
	DB              int
	PoolSize        int
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ConnectAttempts int
}

// Connect creates a Redis client and waits until it answers PING.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	err := retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return client.Ping(pingCtx).Err()
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(time.Second),
		retry.MaxDelay(16*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("failed to ping redis, retrying",
				"attempt", n+1,
				"max_attempts", attempts,
				"error", err,
			)
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis after %d attempts: %w", attempts, err)
	}

	slog.Info("connected to redis", "addr", cfg.Addr)
	return client, nil
}
