package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/commerce-core/internal/app"
	"github.com/noah-isme/commerce-core/internal/config"
	"github.com/noah-isme/commerce-core/internal/lock"
	"github.com/noah-isme/commerce-core/internal/maintenance"
	"github.com/noah-isme/commerce-core/internal/obs"
	"github.com/noah-isme/commerce-core/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := store.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	scoped := store.Scope(driver, app.DefaultPolicy())

	pruner := &maintenance.Pruner{
		Store:    scoped,
		MaxAge:   cfg.CartPruneAfter,
		Interval: cfg.CartPruneInterval,
		Logger:   logger,
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse redis url")
		}
		client := redis.NewClient(opts)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		pruner.Locker = &lock.Locker{R: client}
	}

	logger.Info().Dur("interval", cfg.CartPruneInterval).Dur("max_age", cfg.CartPruneAfter).Msg("worker started")
	if err := pruner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("pruner stopped")
	}
	logger.Info().Msg("worker stopped")
}
