// Package scheduler drives the batch processor and the reconciler on fixed cadences.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tierqueue-backend/internal/application/batch"
	"tierqueue-backend/internal/application/reconciler"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type CycleRunner interface {
	RunCycle(ctx context.Context) (batch.CycleResult, error)
}

type Syncer interface {
	Sync(ctx context.Context) (*reconciler.SyncStats, error)
}

// Scheduler fires a poll job every PollInterval and a sync job every
// SyncInterval. A tick never waits for the previous one; overlapping polls are
// skipped by the processor itself.
type Scheduler struct {
	PollInterval time.Duration
	SyncInterval time.Duration
	Processor    CycleRunner
	Reconciler   Syncer

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Start registers the jobs and starts the cron loop in the background.
func (s *Scheduler) Start() error {
	if s.Processor == nil {
		return errors.New("scheduler: processor is required")
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("scheduler: invalid poll interval %s", s.PollInterval)
	}

	logger := cronLogger{l: log.With().Str("component", "scheduler").Logger()}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.PollInterval), s.poll); err != nil {
		return fmt.Errorf("scheduler: add poll job: %w", err)
	}
	if s.Reconciler != nil && s.SyncInterval > 0 {
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.SyncInterval), s.sync); err != nil {
			return fmt.Errorf("scheduler: add sync job: %w", err)
		}
	}

	s.cron.Start()
	log.Info().Dur("poll_interval", s.PollInterval).Dur("sync_interval", s.SyncInterval).Msg("scheduler started")
	return nil
}

// Stop halts new ticks and waits for running jobs until ctx is done, after
// which the jobs' context is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	defer s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: jobs still running: %w", ctx.Err())
	}
}

func (s *Scheduler) jobContext() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) poll() {
	res, err := s.Processor.RunCycle(s.jobContext())
	if err != nil {
		log.Error().Err(err).Msg("scheduler: poll cycle failed")
		return
	}
	if res.Batches > 0 || res.Reclaimed > 0 {
		log.Info().Int("batches", res.Batches).Int("completed", res.Completed).
			Int("failed", res.Failed).Int64("reclaimed", res.Reclaimed).
			Msg("scheduler: poll cycle done")
	}
}

func (s *Scheduler) sync() {
	stats, err := s.Reconciler.Sync(s.jobContext())
	if errors.Is(err, reconciler.ErrSyncInProgress) {
		log.Debug().Msg("scheduler: sync already running")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("scheduler: sync failed")
		return
	}
	if stats.Created > 0 || stats.Errors > 0 {
		log.Info().Int("created", stats.Created).Int("errors", stats.Errors).Msg("scheduler: sync done")
	}
}
