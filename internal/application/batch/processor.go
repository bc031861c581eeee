// Package batch runs polling cycles: it takes full batches of PENDING queue
// entries, nets their tiers and hands the result to the allocation authority.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tierqueue-backend/internal/application/allocation"
	"tierqueue-backend/internal/application/queue"
	"tierqueue-backend/internal/application/tiers"
	"tierqueue-backend/internal/domain"
	"tierqueue-backend/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Dispatcher executes the net tier movement of a batch.
type Dispatcher interface {
	Dispatch(ctx context.Context, calc domain.TierCalculation) (*allocation.DispatchResult, error)
}

// Locker guards cycles across processes. ok is false when another process holds it.
type Locker interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Notifier is told about every finalized batch.
type Notifier interface {
	PublishBatchFinalized(ctx context.Context, ev domain.BatchFinalized) error
}

// CycleResult summarises one RunCycle call.
type CycleResult struct {
	Skipped   bool
	Reclaimed int64
	Batches   int
	Completed int
	Failed    int
}

// Processor owns the status column of the queue. At most one cycle runs at a
// time per Processor; Locker extends that to every process sharing the queue.
type Processor struct {
	Store      *queue.Store
	Authority  Dispatcher
	BatchSize  int
	StaleAfter time.Duration
	Locker     Locker
	Notifier   Notifier
	// MaxCycle stops a cycle from starting another batch once it has run
	// this long. With a Locker it must leave room for one more dispatch
	// inside the lease TTL.
	MaxCycle time.Duration

	processing atomic.Bool

	mu       sync.Mutex
	closed   bool
	triggers sync.WaitGroup
}

// Processing reports whether a cycle is running right now.
func (p *Processor) Processing() bool {
	return p.processing.Load()
}

// Trigger starts a cycle in the background and returns immediately. It does
// nothing once Wait has been called.
func (p *Processor) Trigger() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		log.Warn().Msg("batch: processor is shutting down, trigger ignored")
		return
	}
	p.triggers.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.triggers.Done()
		res, err := p.RunCycle(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("batch: triggered cycle failed")
			return
		}
		log.Info().Bool("skipped", res.Skipped).Int("batches", res.Batches).Msg("batch: triggered cycle done")
	}()
}

// Wait refuses further triggers and blocks until every cycle started by
// Trigger has returned.
func (p *Processor) Wait() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.triggers.Wait()
}

// RunCycle processes full batches until fewer than BatchSize entries are
// PENDING or a batch fails. A cycle that finds another one running is skipped.
func (p *Processor) RunCycle(ctx context.Context) (res CycleResult, err error) {
	if !p.processing.CompareAndSwap(false, true) {
		log.Debug().Msg("batch: cycle already running, skipping")
		return CycleResult{Skipped: true}, nil
	}
	defer p.processing.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch: cycle panicked: %v", r)
			log.Error().Interface("panic", r).Msg("batch: recovered from panic")
		}
	}()

	if p.Locker != nil {
		release, ok, lerr := p.Locker.TryAcquire(ctx)
		if lerr != nil {
			return res, fmt.Errorf("batch: acquire lock: %w", lerr)
		}
		if !ok {
			log.Debug().Msg("batch: lock held by another instance, skipping")
			res.Skipped = true
			return res, nil
		}
		defer release()
	}
	started := time.Now()

	if p.StaleAfter > 0 {
		n, rerr := p.Store.ReclaimStale(ctx, p.StaleAfter)
		if rerr != nil {
			log.Warn().Err(rerr).Msg("batch: reclaim stale entries")
		} else if n > 0 {
			res.Reclaimed = n
			metrics.ReclaimedEntries.Add(float64(n))
			log.Warn().Int64("count", n).Dur("older_than", p.StaleAfter).Msg("batch: stale PROCESSING entries marked FAILED")
		}
	}

	size := p.batchSize()
	for {
		pending, cerr := p.Store.CountPending(ctx)
		if cerr != nil {
			return res, fmt.Errorf("batch: count pending: %w", cerr)
		}
		metrics.QueueSize.Set(float64(pending))
		if pending < int64(size) {
			log.Debug().Int64("pending", pending).Int("batch_size", size).Msg("batch: not enough pending entries")
			return res, nil
		}

		status, berr := p.processBatch(ctx, size)
		if berr != nil {
			return res, berr
		}
		switch status {
		case domain.StatusCompleted:
			res.Batches++
			res.Completed++
			if p.MaxCycle > 0 && time.Since(started) >= p.MaxCycle {
				log.Info().Dur("elapsed", time.Since(started)).Msg("batch: cycle time budget spent, leaving the rest for the next tick")
				return res, nil
			}
		case domain.StatusFailed:
			res.Batches++
			res.Failed++
			return res, nil
		default:
			return res, nil
		}
	}
}

func (p *Processor) batchSize() int {
	if p.BatchSize <= 0 {
		return 10
	}
	return p.BatchSize
}

// processBatch returns the terminal status of the batch, or "" when no batch
// was dispatched.
func (p *Processor) processBatch(ctx context.Context, size int) (domain.QueueStatus, error) {
	entries, err := p.Store.FetchPending(ctx, size)
	if err != nil {
		return "", fmt.Errorf("batch: fetch pending: %w", err)
	}
	if len(entries) < size {
		return "", nil
	}

	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.UUID
	}
	calc := tiers.Aggregate(entries)

	run := &domain.BatchRun{
		Status:   domain.StatusProcessing,
		NetTier1: calc.T1,
		NetTier2: calc.T2,
		NetTier3: calc.T3,
	}
	if err := p.Store.CreateBatchRun(ctx, run, ids); err != nil {
		return "", fmt.Errorf("batch: record batch: %w", err)
	}
	logger := log.With().Str("batch_id", run.BatchID.String()).Int("size", len(ids)).Logger()

	if err := p.Store.MarkProcessing(ctx, ids); err != nil {
		_ = p.Store.FinishBatchRun(context.WithoutCancel(ctx), run.BatchID, queue.BatchOutcome{Status: domain.StatusCancelled, Err: err})
		if errors.Is(err, queue.ErrBatchConflict) {
			logger.Warn().Err(err).Msg("batch: entries changed before dispatch, retrying next cycle")
			return "", nil
		}
		return "", fmt.Errorf("batch: mark processing: %w", err)
	}

	logger.Info().
		Str("t1", calc.T1.String()).Str("t2", calc.T2.String()).Str("t3", calc.T3.String()).
		Msg("batch: dispatching")

	start := time.Now()
	result, derr := p.Authority.Dispatch(ctx, calc)

	status := domain.StatusCompleted
	outcome := queue.BatchOutcome{Err: derr}
	if result != nil {
		outcome.AuthorityStatus = &result.Status
		outcome.AuthorityMessage = result.Message
		outcome.AuthorityReference = result.Reference
	}
	switch {
	case derr != nil:
		status = domain.StatusFailed
		errorType := "dispatch_error"
		if errors.Is(derr, allocation.ErrMalformedResponse) {
			errorType = "malformed_response"
		}
		metrics.FailedBatches.WithLabelValues(errorType).Inc()
		logger.Error().Err(derr).Msg("batch: dispatch failed")
	case !result.Succeeded():
		status = domain.StatusFailed
		metrics.FailedBatches.WithLabelValues("authority_rejected").Inc()
		logger.Error().Str("authority_status", result.Status).Msg("batch: authority rejected batch")
	}
	outcome.Status = status

	// The authority has already answered; finish the bookkeeping even if ctx is done.
	wctx := context.WithoutCancel(ctx)
	if err := p.finalize(wctx, ids, status); err != nil {
		metrics.FailedBatches.WithLabelValues("storage_error").Inc()
		outcome.Status = domain.StatusFailed
		outcome.Err = errors.Join(outcome.Err, err)
		if ferr := p.Store.FinishBatchRun(wctx, run.BatchID, outcome); ferr != nil {
			logger.Warn().Err(ferr).Msg("batch: record outcome")
		}
		return "", fmt.Errorf("batch %s: finalize %s: %w", run.BatchID, status, err)
	}
	if err := p.Store.FinishBatchRun(wctx, run.BatchID, outcome); err != nil {
		logger.Warn().Err(err).Msg("batch: record outcome")
	}

	label := string(status)
	metrics.BatchesProcessed.WithLabelValues(label).Inc()
	metrics.TransactionsProcessed.WithLabelValues(label).Add(float64(len(ids)))
	metrics.BatchDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	logger.Info().Str("status", label).Dur("took", time.Since(start)).Msg("batch: finalized")

	if p.Notifier != nil {
		ev := domain.BatchFinalized{BatchID: run.BatchID, Status: status, EntryUUIDs: ids, FinishedAt: time.Now().UTC()}
		if err := p.Notifier.PublishBatchFinalized(wctx, ev); err != nil {
			logger.Warn().Err(err).Msg("batch: publish finalized event")
		}
	}
	return status, nil
}

// finalize writes the terminal status and tries once more on a storage error.
// If a COMPLETED write still fails the entries are marked FAILED as a last
// resort so they are not left PROCESSING. The returned error is nil only when
// the intended status was written.
func (p *Processor) finalize(ctx context.Context, ids []uuid.UUID, status domain.QueueStatus) error {
	_, err := p.Store.Finalize(ctx, ids, status)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("status", string(status)).Msg("batch: finalize failed, retrying once")
	if _, err = p.Store.Finalize(ctx, ids, status); err == nil {
		return nil
	}
	if status != domain.StatusFailed {
		if _, ferr := p.Store.Finalize(ctx, ids, domain.StatusFailed); ferr != nil {
			log.Error().Err(ferr).Msg("batch: marking entries FAILED failed, stale sweep will pick them up")
		} else {
			log.Error().Err(err).Msg("batch: COMPLETED could not be stored, entries marked FAILED")
		}
	}
	return err
}
