package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AfshinJalili/paycore/libs/dblock"
	"github.com/AfshinJalili/paycore/libs/logging"
	"github.com/AfshinJalili/paycore/libs/workerpool"
	"github.com/AfshinJalili/paycore/services/ledger/internal/engine"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeLister struct {
	ledgers    []storage.Ledger
	err        error
	lastBefore time.Time
	lastLimit  int
}

func (f *fakeLister) ListDueLedgers(ctx context.Context, before time.Time, limit int) ([]storage.Ledger, error) {
	f.lastBefore = before
	f.lastLimit = limit
	return f.ledgers, f.err
}

type fakeSettler struct {
	mu        sync.Mutex
	processed []uuid.UUID
	submitted []uuid.UUID
	balances  map[uuid.UUID]int64
	failOn    map[uuid.UUID]error

	running    atomic.Int32
	maxRunning atomic.Int32
	delay      time.Duration
}

func (f *fakeSettler) ProcessLedger(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, ledgerID)
	return &storage.Ledger{ID: ledgerID, State: storage.StateProcessing}, nil
}

func (f *fakeSettler) SubmitLedger(ctx context.Context, ledgerID uuid.UUID) (*engine.SubmitResult, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		cur := f.maxRunning.Load()
		if n <= cur || f.maxRunning.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, ledgerID)
	if err := f.failOn[ledgerID]; err != nil {
		return nil, err
	}
	balance := f.balances[ledgerID]
	state := storage.StateSubmitted
	switch {
	case balance == 0:
		state = storage.StatePaid
	case balance < 0:
		state = storage.StateRolled
	}
	return &engine.SubmitResult{Ledger: &storage.Ledger{ID: ledgerID, State: state, Balance: balance}}, nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	ids  []string
}

func (f *fakeLocker) WithLock(ctx context.Context, lockID string, ttl time.Duration, fn func(ctx context.Context) error, opts ...dblock.Option) error {
	f.mu.Lock()
	f.ids = append(f.ids, lockID)
	held := f.held[lockID]
	f.mu.Unlock()
	if held {
		return &dblock.AcquireError{LockID: lockID, Err: dblock.ErrLockHeld}
	}
	return fn(ctx)
}

func dueLedger(state storage.LedgerState) storage.Ledger {
	return storage.Ledger{ID: uuid.New(), AccountID: uuid.New(), Currency: "USD", State: state}
}

func newTestJob(t *testing.T, lister DueLister, settler Settler, locker Locker, capacity int) (*SettlementJob, *Metrics) {
	t.Helper()
	pool, err := workerpool.New(PoolName, capacity)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	job := NewSettlementJob(lister, settler, locker, pool, logging.Discard(), metrics, Config{BatchSize: 50, LockTTL: 3 * time.Second, Grace: time.Minute})
	return job, metrics
}

func TestRunOnceSettlesByBalance(t *testing.T) {
	positive := dueLedger(storage.StateOpen)
	zero := dueLedger(storage.StateOpen)
	negative := dueLedger(storage.StateProcessing)

	settler := &fakeSettler{balances: map[uuid.UUID]int64{positive.ID: 100, zero.ID: 0, negative.ID: -50}}
	lister := &fakeLister{ledgers: []storage.Ledger{positive, zero, negative}}
	job, metrics := newTestJob(t, lister, settler, &fakeLocker{}, 2)

	summary, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	want := Summary{Due: 3, Submitted: 1, Paid: 1, Rolled: 1}
	if summary != want {
		t.Fatalf("expected %+v, got %+v", want, summary)
	}
	if len(settler.processed) != 2 {
		t.Fatalf("only OPEN ledgers should be processed, got %d", len(settler.processed))
	}
	if len(settler.submitted) != 3 {
		t.Fatalf("expected 3 submits, got %d", len(settler.submitted))
	}
	if lister.lastLimit != 50 {
		t.Fatalf("expected batch size 50, got %d", lister.lastLimit)
	}
	if v := testutil.ToFloat64(metrics.Ledgers.WithLabelValues(outcomeRolled)); v != 1 {
		t.Fatalf("expected rolled metric, got %v", v)
	}
}

func TestRunOnceAppliesGrace(t *testing.T) {
	now := time.Date(2024, 3, 2, 7, 5, 0, 0, time.UTC)
	lister := &fakeLister{}
	job, _ := newTestJob(t, lister, &fakeSettler{}, &fakeLocker{}, 1)
	job.WithClock(func() time.Time { return now })

	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !lister.lastBefore.Equal(now.Add(-time.Minute)) {
		t.Fatalf("expected cutoff %s, got %s", now.Add(-time.Minute), lister.lastBefore)
	}
}

func TestRunOnceSkipsLockedLedgers(t *testing.T) {
	locked := dueLedger(storage.StateOpen)
	free := dueLedger(storage.StateOpen)
	settler := &fakeSettler{balances: map[uuid.UUID]int64{free.ID: 10}}
	locker := &fakeLocker{held: map[string]bool{SettleLockID(locked.ID): true}}
	job, _ := newTestJob(t, &fakeLister{ledgers: []storage.Ledger{locked, free}}, settler, locker, 2)

	summary, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if summary.Skipped != 1 || summary.Submitted != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, id := range settler.submitted {
		if id == locked.ID {
			t.Fatalf("locked ledger must not be submitted")
		}
	}
}

func TestRunOnceCountsFailuresAndContinues(t *testing.T) {
	bad := dueLedger(storage.StateProcessing)
	moved := dueLedger(storage.StateProcessing)
	good := dueLedger(storage.StateProcessing)
	settler := &fakeSettler{
		balances: map[uuid.UUID]int64{good.ID: 5},
		failOn: map[uuid.UUID]error{
			bad.ID:   errors.New("db down"),
			moved.ID: &engine.InvalidStateError{LedgerID: moved.ID, Op: engine.OpSubmit, State: storage.StateFailed},
		},
	}
	job, metrics := newTestJob(t, &fakeLister{ledgers: []storage.Ledger{bad, moved, good}}, settler, &fakeLocker{}, 3)

	summary, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if summary.Failed != 1 || summary.Skipped != 1 || summary.Submitted != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if v := testutil.ToFloat64(metrics.Ledgers.WithLabelValues(outcomeFailed)); v != 1 {
		t.Fatalf("expected failed metric, got %v", v)
	}
}

func TestRunOnceCountsBlockedRollovers(t *testing.T) {
	blocked := dueLedger(storage.StateProcessing)
	settler := &fakeSettler{
		failOn: map[uuid.UUID]error{
			blocked.ID: fmt.Errorf("%w: ledger %s: %w", engine.ErrRolloverBlocked, blocked.ID, engine.ErrCurrencyMismatch),
		},
	}
	job, metrics := newTestJob(t, &fakeLister{ledgers: []storage.Ledger{blocked}}, settler, &fakeLocker{}, 1)

	summary, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if want := (Summary{Due: 1, Blocked: 1}); summary != want {
		t.Fatalf("expected %+v, got %+v", want, summary)
	}
	if v := testutil.ToFloat64(metrics.Ledgers.WithLabelValues(outcomeBlocked)); v != 1 {
		t.Fatalf("expected needs_operator metric, got %v", v)
	}
}

func TestRunOnceRespectsPoolCapacity(t *testing.T) {
	ledgers := make([]storage.Ledger, 8)
	balances := map[uuid.UUID]int64{}
	for i := range ledgers {
		ledgers[i] = dueLedger(storage.StateProcessing)
		balances[ledgers[i].ID] = 1
	}
	settler := &fakeSettler{balances: balances, delay: 20 * time.Millisecond}
	job, _ := newTestJob(t, &fakeLister{ledgers: ledgers}, settler, &fakeLocker{}, 2)

	summary, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if summary.Submitted != 8 {
		t.Fatalf("expected 8 submitted, got %+v", summary)
	}
	if peak := settler.maxRunning.Load(); peak > 2 {
		t.Fatalf("expected at most 2 concurrent settlements, saw %d", peak)
	}
}

func TestRunOnceListError(t *testing.T) {
	job, _ := newTestJob(t, &fakeLister{err: errors.New("boom")}, &fakeSettler{}, &fakeLocker{}, 1)
	if _, err := job.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	lister := &fakeLister{}
	job, metrics := newTestJob(t, lister, &fakeSettler{}, &fakeLocker{}, 1)
	job.cfg.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- job.Run(ctx) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
	if v := testutil.ToFloat64(metrics.Runs); v < 2 {
		t.Fatalf("expected repeated sweeps, got %v", v)
	}
}
