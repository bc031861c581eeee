package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tierqueue-backend/internal/app"
	"tierqueue-backend/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	log.Logger = log.With().Str("service", "tierqueue-backend").Logger()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load")
	}
	setupLogger(cfg)
	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info().
		Int("batch_size", cfg.BatchSize).
		Dur("poll_interval", cfg.PollInterval).
		Str("authority", cfg.AuthorityURL).
		Bool("distributed_lock", cfg.DistributedLock).
		Msg("starting")

	runErr := a.Run(ctx)

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout(cfg))
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	return runErr
}
