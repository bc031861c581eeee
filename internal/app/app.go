// Package app wires configuration into running components: stores, the
// allocation client, the batch processor, the reconciler, the scheduler, the
// optional Redis and RabbitMQ integrations and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tierqueue-backend/internal/application/allocation"
	"tierqueue-backend/internal/application/batch"
	"tierqueue-backend/internal/application/portfolio"
	"tierqueue-backend/internal/application/queue"
	"tierqueue-backend/internal/application/reconciler"
	"tierqueue-backend/internal/application/scheduler"
	"tierqueue-backend/internal/config"
	"tierqueue-backend/internal/infrastructure/broker"
	"tierqueue-backend/internal/infrastructure/database"
	"tierqueue-backend/internal/infrastructure/lock"
	"tierqueue-backend/internal/interfaces/router"
	"tierqueue-backend/internal/pkg/retry"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type App struct {
	Config     *config.Config
	HTTP       *fiber.App
	Processor  *batch.Processor
	Reconciler *reconciler.Reconciler
	Scheduler  *scheduler.Scheduler

	queueDB     *gorm.DB
	portfolioDB *gorm.DB
	rdb         *redis.Client
	mq          *broker.RabbitMQ
	consumerErr chan error
}

// Build opens every connection and assembles the components. Nothing runs yet.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg.QueueDatabaseURL == "" {
		return nil, errors.New("app: QUEUE_DATABASE_URL is required")
	}
	a := &App{Config: cfg}

	var err error
	a.queueDB, err = database.Open(cfg.QueueDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: open queue database: %w", err)
	}
	a.portfolioDB = a.queueDB
	if cfg.PortfolioDatabaseURL != cfg.QueueDatabaseURL {
		if a.portfolioDB, err = database.Open(cfg.PortfolioDatabaseURL); err != nil {
			return nil, fmt.Errorf("app: open portfolio database: %w", err)
		}
	}
	if err := database.AutoMigrate(a.queueDB, a.portfolioDB); err != nil {
		return nil, fmt.Errorf("app: migrate: %w", err)
	}
	log.Info().Msg("databases connected")

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("app: parse REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opt)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("app: redis: %w", err)
		}
		log.Info().Msg("redis connected")
	} else if cfg.DistributedLock {
		return nil, errors.New("app: DISTRIBUTED_LOCK needs REDIS_URL")
	}

	if cfg.RabbitMQURL != "" {
		if a.mq, err = broker.Dial(ctx, cfg.RabbitMQURL, cfg.RabbitMQQueue); err != nil {
			return nil, err
		}
	}

	queueStore := &queue.Store{DB: a.queueDB}
	portfolioStore := &portfolio.Store{DB: a.portfolioDB}

	authority := &allocation.HTTPClient{
		URL:          cfg.AuthorityURL,
		HealthURL:    cfg.AuthorityHealthURL,
		Timeout:      cfg.AuthorityTimeout,
		ProbeTimeout: cfg.AuthorityProbeTimeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.AuthorityRetryAttempts,
			BaseDelay:   cfg.AuthorityRetryDelay,
			Multiplier:  cfg.AuthorityBackoffMultiplier,
		},
		Client: &http.Client{},
	}

	a.Processor = &batch.Processor{
		Store:      queueStore,
		Authority:  authority,
		BatchSize:  cfg.BatchSize,
		StaleAfter: cfg.StaleProcessingAfter,
	}
	if cfg.DistributedLock {
		a.Processor.Locker = &lock.Redis{Client: a.rdb, TTL: cfg.LockTTL}
		// The lease is not renewed, so the last batch must start early enough
		// to finish before it expires.
		a.Processor.MaxCycle = cfg.LockTTL - cfg.WorstCaseDispatch()
	}
	if a.mq != nil {
		a.Processor.Notifier = a.mq
	}

	a.Reconciler = &reconciler.Reconciler{
		Queue:     queueStore,
		Portfolio: portfolioStore,
		PageSize:  cfg.SyncPageSize,
	}
	a.Scheduler = &scheduler.Scheduler{
		PollInterval: cfg.PollInterval,
		SyncInterval: cfg.SyncInterval,
		Processor:    a.Processor,
		Reconciler:   a.Reconciler,
	}

	a.HTTP = router.CreateApp(cfg, router.Services{
		Queue:      queueStore,
		Portfolio:  portfolioStore,
		Processor:  a.Processor,
		Reconciler: a.Reconciler,
		Authority:  authority,
		Redis:      a.rdb,
	})
	return a, nil
}

// Run starts the scheduler, the event consumer and the HTTP server. It returns
// when the server stops or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(); err != nil {
		return err
	}

	a.consumerErr = make(chan error, 1)
	if a.mq != nil {
		go func() {
			a.consumerErr <- a.mq.Consume(ctx, a.Reconciler.HandleBatchFinalized)
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", a.Config.Port).Msg("http server listening")
		serverErr <- a.HTTP.Listen(":" + a.Config.Port)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		return err
	case err := <-a.consumerErr:
		return fmt.Errorf("app: consumer stopped: %w", err)
	}
}

// Shutdown stops accepting work and waits for in-flight cycles until ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.HTTP.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := a.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		a.Processor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.New("triggered cycles still running"))
	}

	if a.mq != nil {
		if err := a.mq.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rabbitmq: %w", err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	for _, db := range []*gorm.DB{a.queueDB, a.portfolioDB} {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return errors.Join(errs...)
}

// ShutdownTimeout bounds graceful shutdown; a cycle waiting on the authority
// can take the worst case dispatch.
func ShutdownTimeout(cfg *config.Config) time.Duration {
	d := cfg.WorstCaseDispatch() + 10*time.Second
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
