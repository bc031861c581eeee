package batch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tierqueue-backend/internal/application/allocation"
	"tierqueue-backend/internal/application/queue"
	"tierqueue-backend/internal/domain"
	"tierqueue-backend/internal/pkg/metrics"
	"tierqueue-backend/internal/pkg/retry"
	"tierqueue-backend/internal/testutil"

	"github.com/google/uuid"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeAuthority struct {
	mu      sync.Mutex
	calls   []domain.TierCalculation
	status  string
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeAuthority) Dispatch(ctx context.Context, calc domain.TierCalculation) (*allocation.DispatchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, calc)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == "" {
		status = allocation.StatusCompleted
	}
	return &allocation.DispatchResult{Status: status}, nil
}

func (f *fakeAuthority) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.BatchFinalized
}

func (n *recordingNotifier) PublishBatchFinalized(_ context.Context, ev domain.BatchFinalized) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

type panickingAuthority struct{}

func (panickingAuthority) Dispatch(context.Context, domain.TierCalculation) (*allocation.DispatchResult, error) {
	panic("authority exploded")
}

func newProcessor(db *gorm.DB, auth Dispatcher) *Processor {
	return &Processor{Store: &queue.Store{DB: db}, Authority: auth, BatchSize: 10}
}

func countStatus(t *testing.T, db *gorm.DB, status domain.QueueStatus) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&domain.QueueEntry{}).Where("status = ?", status).Count(&n).Error)
	return n
}

func TestRunCycle_BelowThresholdDispatchesNothing(t *testing.T) {
	db := testutil.NewSQLite(t)
	auth := &fakeAuthority{}
	p := newProcessor(db, auth)
	ctx := context.Background()

	testutil.SeedPending(t, db, "A1", 9)
	res, err := p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Batches)
	assert.Equal(t, 0, auth.Calls())
	assert.EqualValues(t, 9, countStatus(t, db, domain.StatusPending))

	testutil.SeedPending(t, db, "A1", 1)
	res, err = p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 1, auth.Calls())
	assert.EqualValues(t, 0, countStatus(t, db, domain.StatusPending))
	assert.EqualValues(t, 10, countStatus(t, db, domain.StatusCompleted))
}

func TestRunCycle_MixedBatchCompletes(t *testing.T) {
	db := testutil.NewSQLite(t)
	auth := &fakeAuthority{}
	notifier := &recordingNotifier{}
	p := newProcessor(db, auth)
	p.BatchSize = 2
	p.Notifier = notifier

	a := testutil.Entry("A1", domain.TransactionInvest, "100", "200", "50")
	b := testutil.Entry("A1", domain.TransactionWithdraw, "30", "60", "15")
	b.CreatedAt = time.Now().UTC().Add(time.Second)
	require.NoError(t, db.Create(a).Error)
	require.NoError(t, db.Create(b).Error)

	res, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	require.Equal(t, 1, auth.Calls())
	calc := auth.calls[0]
	assert.True(t, calc.T1.Equal(decimal.NewFromInt(70)))
	assert.True(t, calc.T2.Equal(decimal.NewFromInt(140)))
	assert.True(t, calc.T3.Equal(decimal.NewFromInt(35)))

	for _, e := range []*domain.QueueEntry{a, b} {
		got := testutil.Reload(t, db, e.UUID)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.NotNil(t, got.ProcessedAt)
	}

	require.Len(t, notifier.events, 1)
	ev := notifier.events[0]
	assert.Equal(t, domain.StatusCompleted, ev.Status)
	assert.ElementsMatch(t, []uuid.UUID{a.UUID, b.UUID}, ev.EntryUUIDs)

	run, err := p.Store.GetBatchRun(context.Background(), ev.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.True(t, run.NetTier1.Equal(decimal.NewFromInt(70)))
}

func TestRunCycle_RejectedBatchFailsAllEntries(t *testing.T) {
	db := testutil.NewSQLite(t)
	auth := &fakeAuthority{status: allocation.StatusFailed}
	p := newProcessor(db, auth)

	entries := testutil.SeedPending(t, db, "A1", 10)
	res, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	for _, e := range entries {
		got := testutil.Reload(t, db, e.UUID)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.NotNil(t, got.ProcessedAt)
	}
	var inbox int64
	require.NoError(t, db.Model(&domain.PortfolioTransaction{}).Count(&inbox).Error)
	assert.Zero(t, inbox)
}

func TestRunCycle_StopsAfterFailedBatch(t *testing.T) {
	db := testutil.NewSQLite(t)
	auth := &fakeAuthority{err: errors.New("connection refused")}
	p := newProcessor(db, auth)

	testutil.SeedPending(t, db, "A1", 25)
	res, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 1, auth.Calls())
	assert.EqualValues(t, 10, countStatus(t, db, domain.StatusFailed))
	assert.EqualValues(t, 15, countStatus(t, db, domain.StatusPending))
}

func TestRunCycle_ContinuesWhileFullBatchesRemain(t *testing.T) {
	db := testutil.NewSQLite(t)
	auth := &fakeAuthority{}
	p := newProcessor(db, auth)

	testutil.SeedPending(t, db, "A1", 25)
	res, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 2, auth.Calls())
	assert.EqualValues(t, 5, countStatus(t, db, domain.StatusPending))
}

func TestRunCycle_SingleFlight(t *testing.T) {
	db := testutil.NewSQLite(t)
	auth := &fakeAuthority{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := newProcessor(db, auth)
	testutil.SeedPending(t, db, "A1", 20)

	done := make(chan CycleResult)
	go func() {
		res, err := p.RunCycle(context.Background())
		assert.NoError(t, err)
		done <- res
	}()

	<-auth.entered
	assert.True(t, p.Processing())

	second, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, 1, auth.Calls())

	auth.status = allocation.StatusFailed
	close(auth.block)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, auth.Calls())
	assert.False(t, p.Processing())
}

func TestRunCycle_PanicReleasesGuard(t *testing.T) {
	db := testutil.NewSQLite(t)
	p := newProcessor(db, panickingAuthority{})
	testutil.SeedPending(t, db, "A1", 10)

	_, err := p.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, p.Processing())
}

func TestRunCycle_ReclaimsStaleProcessing(t *testing.T) {
	db := testutil.NewSQLite(t)
	p := newProcessor(db, &fakeAuthority{})
	p.StaleAfter = 15 * time.Minute

	stuck := testutil.Entry("A1", domain.TransactionInvest, "1", "1", "1")
	stuck.Status = domain.StatusProcessing
	require.NoError(t, db.Create(stuck).Error)
	require.NoError(t, db.Model(&domain.QueueEntry{}).Where("uuid = ?", stuck.UUID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-time.Hour)).Error)

	res, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Reclaimed)
	assert.Equal(t, domain.StatusFailed, testutil.Reload(t, db, stuck.UUID).Status)
}

type heldLock struct{ acquired bool }

func (l *heldLock) TryAcquire(context.Context) (func(), bool, error) {
	if l.acquired {
		return nil, false, nil
	}
	l.acquired = true
	return func() { l.acquired = false }, true, nil
}

func TestRunCycle_SkipsWhenLockHeldElsewhere(t *testing.T) {
	db := testutil.NewSQLite(t)
	auth := &fakeAuthority{}
	p := newProcessor(db, auth)
	p.Locker = &heldLock{acquired: true}
	testutil.SeedPending(t, db, "A1", 10)

	res, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, auth.Calls())
}

func TestTrigger_RunsInBackground(t *testing.T) {
	db := testutil.NewSQLite(t)
	auth := &fakeAuthority{}
	p := newProcessor(db, auth)
	testutil.SeedPending(t, db, "A1", 10)

	p.Trigger()
	p.Wait()
	assert.Equal(t, 1, auth.Calls())
	assert.EqualValues(t, 10, countStatus(t, db, domain.StatusCompleted))
}

func TestRunCycle_RetriedTimeoutsEndCompleted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			time.Sleep(200 * time.Millisecond)
		}
		_, _ = w.Write([]byte(`{"status":"COMPLETED"}`))
	}))
	defer srv.Close()

	var delays []time.Duration
	client := &allocation.HTTPClient{
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			Multiplier:  2,
			OnRetry:     func(_ int, d time.Duration, _ error) { delays = append(delays, d) },
		},
	}

	db := testutil.NewSQLite(t)
	p := newProcessor(db, client)
	entries := testutil.SeedPending(t, db, "A1", 10)

	res, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Len(t, delays, 2)
	assert.Greater(t, delays[1], delays[0])
	assert.Equal(t, domain.StatusCompleted, testutil.Reload(t, db, entries[0].UUID).Status)
}

// failQueueWrites makes the first n status writes to the queue table with one of
// the given statuses fail (all of them when n < 0). It returns the number of
// matching writes seen.
func failQueueWrites(t *testing.T, db *gorm.DB, n int32, statuses ...domain.QueueStatus) *int32 {
	t.Helper()
	table := domain.QueueEntry{}.TableName()
	var hits int32
	err := db.Callback().Update().Before("gorm:update").Register("test:fail_queue_writes", func(tx *gorm.DB) {
		if tx.Statement.Table != table {
			return
		}
		values, ok := tx.Statement.Dest.(map[string]interface{})
		if !ok {
			return
		}
		for _, s := range statuses {
			if values["status"] == s {
				if hit := atomic.AddInt32(&hits, 1); n < 0 || hit <= n {
					tx.AddError(errors.New("disk I/O error"))
				}
				return
			}
		}
	})
	require.NoError(t, err)
	return &hits
}

func onlyBatchRun(t *testing.T, db *gorm.DB) domain.BatchRun {
	t.Helper()
	var runs []domain.BatchRun
	require.NoError(t, db.Find(&runs).Error)
	require.Len(t, runs, 1)
	return runs[0]
}

func storageErrors() float64 {
	return promtestutil.ToFloat64(metrics.FailedBatches.WithLabelValues("storage_error"))
}

func TestRunCycle_FinalizeRetriesOnceAfterStorageError(t *testing.T) {
	db := testutil.NewSQLite(t)
	hits := failQueueWrites(t, db, 1, domain.StatusCompleted)
	auth := &fakeAuthority{}
	p := newProcessor(db, auth)
	testutil.SeedPending(t, db, "A1", 10)
	before := storageErrors()

	res, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.EqualValues(t, 2, atomic.LoadInt32(hits))
	assert.EqualValues(t, 10, countStatus(t, db, domain.StatusCompleted))
	assert.Equal(t, domain.StatusCompleted, onlyBatchRun(t, db).Status)
	assert.Equal(t, before, storageErrors())
}

func TestRunCycle_UnstorableCompletionMarksEntriesFailed(t *testing.T) {
	db := testutil.NewSQLite(t)
	hits := failQueueWrites(t, db, -1, domain.StatusCompleted)
	auth := &fakeAuthority{}
	p := newProcessor(db, auth)
	testutil.SeedPending(t, db, "A1", 20)
	before := storageErrors()

	res, err := p.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, res.Completed)
	assert.Equal(t, 1, auth.Calls())
	assert.EqualValues(t, 2, atomic.LoadInt32(hits))
	assert.EqualValues(t, 10, countStatus(t, db, domain.StatusFailed))
	assert.EqualValues(t, 10, countStatus(t, db, domain.StatusPending))

	run := onlyBatchRun(t, db)
	assert.Equal(t, domain.StatusFailed, run.Status)
	require.NotNil(t, run.AuthorityStatus)
	assert.Equal(t, allocation.StatusCompleted, *run.AuthorityStatus)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "disk I/O error")
	assert.Equal(t, before+1, storageErrors())
}

func TestRunCycle_FinalizeFailingTwiceLeavesEntriesProcessing(t *testing.T) {
	db := testutil.NewSQLite(t)
	hits := failQueueWrites(t, db, -1, domain.StatusCompleted, domain.StatusFailed)
	auth := &fakeAuthority{}
	p := newProcessor(db, auth)
	testutil.SeedPending(t, db, "A1", 10)
	before := storageErrors()

	_, err := p.RunCycle(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(hits))
	assert.EqualValues(t, 10, countStatus(t, db, domain.StatusProcessing))
	assert.Equal(t, domain.StatusFailed, onlyBatchRun(t, db).Status)
	assert.Equal(t, before+1, storageErrors())
}

func TestRunCycle_ConflictCancelsBatchWithoutDispatch(t *testing.T) {
	db := testutil.NewSQLite(t)
	var once sync.Once
	err := db.Callback().Query().After("gorm:query").Register("test:take_entry", func(tx *gorm.DB) {
		entries, ok := tx.Statement.Dest.(*[]domain.QueueEntry)
		if !ok || len(*entries) == 0 {
			return
		}
		taken := (*entries)[0].UUID
		once.Do(func() {
			require.NoError(t, db.Model(&domain.QueueEntry{}).Where("uuid = ?", taken).
				Update("status", domain.StatusCancelled).Error)
		})
	})
	require.NoError(t, err)

	auth := &fakeAuthority{}
	p := newProcessor(db, auth)
	testutil.SeedPending(t, db, "A1", 10)

	res, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Batches)
	assert.Equal(t, 0, auth.Calls())
	assert.EqualValues(t, 9, countStatus(t, db, domain.StatusPending))
	assert.EqualValues(t, 1, countStatus(t, db, domain.StatusCancelled))
	assert.Zero(t, countStatus(t, db, domain.StatusProcessing))

	run := onlyBatchRun(t, db)
	assert.Equal(t, domain.StatusCancelled, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "marked 9 of 10")
}

func TestRunCycle_StopsWhenCycleBudgetSpent(t *testing.T) {
	db := testutil.NewSQLite(t)
	auth := &fakeAuthority{}
	p := newProcessor(db, auth)
	p.MaxCycle = time.Nanosecond

	testutil.SeedPending(t, db, "A1", 30)
	res, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.EqualValues(t, 20, countStatus(t, db, domain.StatusPending))
}

func TestTrigger_IgnoredAfterWait(t *testing.T) {
	db := testutil.NewSQLite(t)
	auth := &fakeAuthority{}
	p := newProcessor(db, auth)
	testutil.SeedPending(t, db, "A1", 10)

	p.Wait()
	p.Trigger()
	p.Wait()
	assert.Equal(t, 0, auth.Calls())
	assert.EqualValues(t, 10, countStatus(t, db, domain.StatusPending))
}
