// Package queue is the data access layer of the request queue store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tierqueue-backend/internal/domain"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidEntry  = errors.New("queue: invalid entry")
	ErrBatchConflict = errors.New("queue: batch members are no longer pending")
	ErrNotFound      = errors.New("queue: not found")
)

const maxAccountIDLen = 50

// Store reads and writes the investment_withdrawal_queue and batch_runs tables.
// The batch processor is the only writer of the status column.
type Store struct {
	DB  *gorm.DB
	Now func() time.Time
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Enqueue validates and inserts a new PENDING entry. Upstream services own
// request creation; this exists for seeding and tests.
func (s *Store) Enqueue(ctx context.Context, e *domain.QueueEntry) error {
	switch {
	case e.AccountID == "" || len(e.AccountID) > maxAccountIDLen:
		return fmt.Errorf("%w: accountid must be 1-%d characters", ErrInvalidEntry, maxAccountIDLen)
	case !e.TransactionType.Valid():
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidEntry, e.TransactionType)
	case e.Tier1.IsNegative() || e.Tier2.IsNegative() || e.Tier3.IsNegative():
		return fmt.Errorf("%w: tier amounts must be non-negative", ErrInvalidEntry)
	}
	e.Status = domain.StatusPending
	e.ProcessedAt = nil
	return s.DB.WithContext(ctx).Create(e).Error
}

// Get returns one entry by uuid.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	var e domain.QueueEntry
	if err := s.DB.WithContext(ctx).Where("uuid = ?", id).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// CountPending counts entries waiting for a batch.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&domain.QueueEntry{}).
		Where("status = ?", domain.StatusPending).
		Count(&n).Error
	return n, err
}

// FetchPending returns up to limit PENDING entries, oldest first.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	var entries []domain.QueueEntry
	err := s.DB.WithContext(ctx).
		Where("status = ?", domain.StatusPending).
		Order("created_at ASC").Order("queue_id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// MarkProcessing moves the batch members from PENDING to PROCESSING in one
// transaction. If any member is no longer PENDING nothing is changed.
func (s *Store) MarkProcessing(ctx context.Context, uuids []uuid.UUID) error {
	if len(uuids) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.QueueEntry{}).
			Where("uuid IN ? AND status = ?", uuids, domain.StatusPending).
			Updates(map[string]interface{}{
				"status":     domain.StatusProcessing,
				"updated_at": s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(uuids)) {
			return fmt.Errorf("%w: marked %d of %d", ErrBatchConflict, res.RowsAffected, len(uuids))
		}
		return nil
	})
}

// Finalize moves PROCESSING batch members to a terminal status. processed_at is
// only stamped if it was never set.
func (s *Store) Finalize(ctx context.Context, uuids []uuid.UUID, status domain.QueueStatus) (int64, error) {
	if status != domain.StatusCompleted && status != domain.StatusFailed {
		return 0, fmt.Errorf("queue: cannot finalize with status %s", status)
	}
	if len(uuids) == 0 {
		return 0, nil
	}
	now := s.now()
	var affected int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.QueueEntry{}).
			Where("uuid IN ? AND status = ?", uuids, domain.StatusProcessing).
			Updates(map[string]interface{}{
				"status":       status,
				"updated_at":   now,
				"processed_at": gorm.Expr("COALESCE(processed_at, ?)", now),
			})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// ReclaimStale fails entries left PROCESSING for longer than olderThan, which
// only happens when a process died between marking and finalizing a batch.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	res := s.DB.WithContext(ctx).Model(&domain.QueueEntry{}).
		Where("status = ? AND updated_at < ?", domain.StatusProcessing, now.Add(-olderThan)).
		Updates(map[string]interface{}{
			"status":       domain.StatusFailed,
			"updated_at":   now,
			"processed_at": gorm.Expr("COALESCE(processed_at, ?)", now),
		})
	return res.RowsAffected, res.Error
}

// CountByStatus returns a count for every known status, zero included.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.QueueStatus]int64, error) {
	var rows []struct {
		Status domain.QueueStatus
		Count  int64
	}
	if err := s.DB.WithContext(ctx).Model(&domain.QueueEntry{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[domain.QueueStatus]int64, len(domain.AllQueueStatuses))
	for _, st := range domain.AllQueueStatuses {
		out[st] = 0
	}
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// ListCompleted pages through COMPLETED entries by queue_id.
func (s *Store) ListCompleted(ctx context.Context, afterQueueID uint64, limit int) ([]domain.QueueEntry, error) {
	var entries []domain.QueueEntry
	err := s.DB.WithContext(ctx).
		Where("status = ? AND queue_id > ?", domain.StatusCompleted, afterQueueID).
		Order("queue_id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Ping checks the queue database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// BatchOutcome is what FinishBatchRun records about a dispatched batch.
type BatchOutcome struct {
	Status             domain.QueueStatus
	AuthorityStatus    *string
	AuthorityMessage   *string
	AuthorityReference *string
	Err                error
}

// CreateBatchRun records a batch before it is dispatched.
func (s *Store) CreateBatchRun(ctx context.Context, run *domain.BatchRun, members []uuid.UUID) error {
	ids := make([]string, len(members))
	for i, id := range members {
		ids[i] = id.String()
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	run.EntryUUIDs = datatypes.JSON(b)
	run.EntryCount = len(members)
	if run.Status == "" {
		run.Status = domain.StatusProcessing
	}
	return s.DB.WithContext(ctx).Create(run).Error
}

// FinishBatchRun stores the final status and the authority's answer.
func (s *Store) FinishBatchRun(ctx context.Context, batchID uuid.UUID, out BatchOutcome) error {
	now := s.now()
	updates := map[string]interface{}{
		"status":              out.Status,
		"authority_status":    out.AuthorityStatus,
		"authority_message":   out.AuthorityMessage,
		"authority_reference": out.AuthorityReference,
		"updated_at":          now,
		"finished_at":         now,
	}
	if out.Err != nil {
		msg := out.Err.Error()
		updates["error"] = &msg
	}
	return s.DB.WithContext(ctx).Model(&domain.BatchRun{}).
		Where("batch_id = ?", batchID).
		Updates(updates).Error
}

// GetBatchRun returns a recorded batch.
func (s *Store) GetBatchRun(ctx context.Context, batchID uuid.UUID) (*domain.BatchRun, error) {
	var run domain.BatchRun
	if err := s.DB.WithContext(ctx).Where("batch_id = ?", batchID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}
