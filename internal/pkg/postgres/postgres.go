// Package postgres provides PostgreSQL connection and schema utilities.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config contains PostgreSQL connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	ConnectAttempts int
}

// Connect establishes a connection pool to PostgreSQL, retrying with
// exponential backoff capped at 16 seconds.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var pool *pgxpool.Pool
	err = retry.Do(
		func() error {
			p, err := pgxpool.NewWithConfig(ctx, poolConfig)
			if err != nil {
				return fmt.Errorf("create pool: %w", err)
			}
			if err := p.Ping(ctx); err != nil {
				p.Close()
				return fmt.Errorf("ping: %w", err)
			}
			pool = p
			return nil
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(time.Second),
		retry.MaxDelay(16*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("failed to connect to database, retrying",
				"attempt", n+1,
				"max_attempts", attempts,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to database after %d attempts: %w", attempts, err)
	}

	slog.Info("connected to database")
	return pool, nil
}
