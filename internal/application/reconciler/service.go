// Package reconciler folds COMPLETED queue entries into the portfolio store.
//
// The queue is the outbox and portfolio_transactions is the inbox, both keyed
// by the entry uuid. A uuid already present in the inbox is never applied
// again, so passes can be repeated freely.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"tierqueue-backend/internal/domain"
	"tierqueue-backend/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrSyncInProgress = errors.New("reconciler: sync already in progress")

const defaultPageSize = 100

type QueueReader interface {
	ListCompleted(ctx context.Context, afterQueueID uint64, limit int) ([]domain.QueueEntry, error)
}

type Inbox interface {
	ExistingUUIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.QueueStatus, error)
	ApplyEntry(ctx context.Context, e domain.QueueEntry) (bool, error)
	RefreshTransaction(ctx context.Context, id uuid.UUID, status domain.QueueStatus) (bool, error)
}

// AccountResult counts the entries of one account handled in a pass.
type AccountResult struct {
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Deferred  int    `json:"deferred"`
	Error     string `json:"error,omitempty"`
}

// SyncStats is the report of one pass.
type SyncStats struct {
	Processed         int                       `json:"processed"`
	Created           int                       `json:"created"`
	Skipped           int                       `json:"skipped"`
	Refreshed         int                       `json:"refreshed"`
	Errors            int                       `json:"errors"`
	AccountsSucceeded int                       `json:"accounts_succeeded"`
	AccountsFailed    int                       `json:"accounts_failed"`
	Accounts          map[string]*AccountResult `json:"accounts"`
	Duration          string                    `json:"duration"`
}

// FailedAccounts lists the accounts that hit an error, sorted.
func (s *SyncStats) FailedAccounts() []string {
	var out []string
	for id, a := range s.Accounts {
		if a.Failed > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *SyncStats) account(id string) *AccountResult {
	a, ok := s.Accounts[id]
	if !ok {
		a = &AccountResult{}
		s.Accounts[id] = a
	}
	return a
}

// Reconciler is the only writer of the portfolio store. One Sync runs at a time.
type Reconciler struct {
	Queue     QueueReader
	Portfolio Inbox
	PageSize  int

	running atomic.Bool
}

// Running reports whether a pass is in progress.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Sync runs one pass over every COMPLETED queue entry. A failing account stops
// at its first error; its remaining entries wait for the next pass so they are
// applied in queue order. Other accounts are unaffected.
func (r *Reconciler) Sync(ctx context.Context) (*SyncStats, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer r.running.Store(false)

	start := time.Now()
	stats := &SyncStats{Accounts: map[string]*AccountResult{}}
	err := r.sync(ctx, stats)
	stats.Duration = time.Since(start).String()

	for _, a := range stats.Accounts {
		if a.Failed > 0 {
			stats.AccountsFailed++
			metrics.ReconcileAccounts.WithLabelValues("failed").Inc()
		} else {
			stats.AccountsSucceeded++
			metrics.ReconcileAccounts.WithLabelValues("succeeded").Inc()
		}
	}

	ev := log.Info()
	if stats.Errors > 0 || err != nil {
		ev = log.Warn().Err(err).Strs("failed_accounts", stats.FailedAccounts())
	}
	ev.Int("processed", stats.Processed).Int("created", stats.Created).
		Int("skipped", stats.Skipped).Int("refreshed", stats.Refreshed).
		Int("errors", stats.Errors).Str("took", stats.Duration).
		Msg("reconciler: pass finished")
	return stats, err
}

func (r *Reconciler) sync(ctx context.Context, stats *SyncStats) error {
	size := r.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	failed := map[string]bool{}
	var after uint64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := r.Queue.ListCompleted(ctx, after, size)
		if err != nil {
			return fmt.Errorf("reconciler: list completed: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		after = page[len(page)-1].QueueID

		ids := make([]uuid.UUID, len(page))
		for i, e := range page {
			ids[i] = e.UUID
		}
		existing, err := r.Portfolio.ExistingUUIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("reconciler: lookup inbox: %w", err)
		}

		for _, e := range page {
			acct := stats.account(e.AccountID)
			if failed[e.AccountID] {
				acct.Deferred++
				metrics.ReconcileEntries.WithLabelValues("deferred").Inc()
				continue
			}
			stats.Processed++
			if err := r.reconcileEntry(ctx, e, existing, stats); err != nil {
				failed[e.AccountID] = true
				acct.Failed++
				acct.Error = err.Error()
				stats.Errors++
				metrics.ReconcileEntries.WithLabelValues("failed").Inc()
				log.Error().Err(err).Str("accountid", e.AccountID).Str("uuid", e.UUID.String()).
					Msg("reconciler: entry failed, deferring rest of account")
				continue
			}
			acct.Succeeded++
		}

		if len(page) < size {
			return nil
		}
	}
}

func (r *Reconciler) reconcileEntry(ctx context.Context, e domain.QueueEntry, existing map[uuid.UUID]domain.QueueStatus, stats *SyncStats) error {
	want := domain.PortfolioStatusFor(e.Status)
	if have, ok := existing[e.UUID]; ok {
		if have == want {
			stats.Skipped++
			metrics.ReconcileEntries.WithLabelValues("skipped").Inc()
			return nil
		}
		changed, err := r.Portfolio.RefreshTransaction(ctx, e.UUID, want)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", e.UUID, err)
		}
		if changed {
			stats.Refreshed++
			metrics.ReconcileEntries.WithLabelValues("refreshed").Inc()
		}
		return nil
	}

	applied, err := r.Portfolio.ApplyEntry(ctx, e)
	if err != nil {
		return fmt.Errorf("apply %s: %w", e.UUID, err)
	}
	if applied {
		stats.Created++
		metrics.ReconcileEntries.WithLabelValues("created").Inc()
	} else {
		stats.Skipped++
		metrics.ReconcileEntries.WithLabelValues("skipped").Inc()
	}
	return nil
}

// HandleBatchFinalized runs a pass when a batch completes. A pass already in
// progress will pick the batch up, so that case is not an error.
func (r *Reconciler) HandleBatchFinalized(ctx context.Context, ev domain.BatchFinalized) error {
	if ev.Status != domain.StatusCompleted {
		return nil
	}
	_, err := r.Sync(ctx)
	if errors.Is(err, ErrSyncInProgress) {
		return nil
	}
	return err
}
