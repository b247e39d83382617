package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AfshinJalili/paycore/libs/logging"
	"github.com/AfshinJalili/paycore/libs/retry"
	"github.com/AfshinJalili/paycore/services/ledger/internal/bucket"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
)

var testNow = time.Date(2024, 5, 14, 18, 30, 0, 0, time.UTC)

type fakeMetrics struct {
	mu         sync.Mutex
	retries    map[string]int
	contention map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{retries: map[string]int{}, contention: map[string]int{}}
}

func (m *fakeMetrics) IncRetry(op string) {
	m.mu.Lock()
	m.retries[op]++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncContention(op string) {
	m.mu.Lock()
	m.contention[op]++
	m.mu.Unlock()
}

func newTestEngine(db *memDB, opts ...Option) *Engine {
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithRetryPolicy(retry.Policy{MaxAttempts: 5, Backoff: time.Millisecond}),
	}
	return New(db, logging.Discard(), append(base, opts...)...)
}

func createTxn(t *testing.T, e *Engine, accountID uuid.UUID, amount int64, key string) *CreateTransactionResult {
	t.Helper()
	res, err := e.CreateTransaction(context.Background(), CreateTransactionRequest{
		AccountID:      accountID,
		Amount:         amount,
		Currency:       "usd",
		IdempotencyKey: key,
		RoutingKey:     testNow,
		Interval:       bucket.Daily,
		TargetType:     "payment",
		TargetID:       key,
	})
	if err != nil {
		t.Fatalf("create transaction %s: %v", key, err)
	}
	return res
}

func assertSingleOpen(t *testing.T, db *memDB, accountID uuid.UUID) {
	t.Helper()
	if open := db.openLedgers(accountID); len(open) > 1 {
		t.Fatalf("expected at most one open ledger, got %d", len(open))
	}
}

func TestCreateTransactionAllocatesLedgerAndBucket(t *testing.T) {
	db := newMemDB()
	e := newTestEngine(db)
	accountID := uuid.New()

	first := createTxn(t, e, accountID, 1000, "pay-1")
	if !first.Created || first.Ledger == nil {
		t.Fatalf("expected a created transaction with ledger, got %+v", first)
	}
	if first.Ledger.State != storage.StateOpen || first.Ledger.Balance != 1000 || first.Ledger.Currency != "USD" {
		t.Fatalf("unexpected ledger: %+v", first.Ledger)
	}

	second := createTxn(t, e, accountID, 250, "pay-2")
	if second.Ledger.ID != first.Ledger.ID {
		t.Fatalf("expected same ledger for same bucket")
	}
	if got := db.ledger(first.Ledger.ID).Balance; got != 1250 {
		t.Fatalf("expected balance 1250, got %d", got)
	}

	scheduled := db.scheduledFor(accountID)
	if len(scheduled) != 1 {
		t.Fatalf("expected one scheduled ledger, got %d", len(scheduled))
	}
	b := bucket.For(testNow, bucket.Daily)
	if !scheduled[0].StartTime.Equal(b.Start) || !scheduled[0].EndTime.Equal(b.End) {
		t.Fatalf("unexpected bucket %s - %s", scheduled[0].StartTime, scheduled[0].EndTime)
	}
	if len(db.transactionsFor(first.Ledger.ID)) != 2 {
		t.Fatalf("expected two transactions on ledger")
	}
}

func TestCreateTransactionIsIdempotent(t *testing.T) {
	db := newMemDB()
	e := newTestEngine(db)
	accountID := uuid.New()

	first := createTxn(t, e, accountID, 1000, "pay-1")
	replay := createTxn(t, e, accountID, 1000, "pay-1")

	if replay.Created {
		t.Fatalf("expected replay not to create")
	}
	if replay.Transaction.ID != first.Transaction.ID {
		t.Fatalf("expected the stored transaction back")
	}
	if got := db.ledger(first.Ledger.ID).Balance; got != 1000 {
		t.Fatalf("expected balance unchanged at 1000, got %d", got)
	}
}

func TestCreateTransactionConvergesOnConcurrentBucketWinner(t *testing.T) {
	db := newMemDB()
	e := newTestEngine(db)
	accountID := uuid.New()
	winnerID := uuid.New()
	b := bucket.For(testNow, bucket.Daily)

	db.hook = func(db *memDB, method string, n int) error {
		if method != "InsertScheduledLedger" || n != 1 {
			return nil
		}
		// Another writer commits the same bucket first.
		db.state.ledgers[winnerID] = storage.Ledger{
			ID: winnerID, AccountID: accountID, Currency: "USD", State: storage.StateOpen,
			Balance: 700, CreatedAt: testNow, UpdatedAt: testNow,
		}
		slID := uuid.New()
		db.state.scheduled[slID] = storage.ScheduledLedger{
			ID: slID, AccountID: accountID, LedgerID: winnerID, Interval: bucket.Daily,
			StartTime: b.Start, EndTime: b.End, CreatedAt: testNow,
		}
		return fmt.Errorf("%w: open bucket taken", storage.ErrConflict)
	}

	res := createTxn(t, e, accountID, 300, "pay-1")
	if res.Ledger.ID != winnerID {
		t.Fatalf("expected to converge onto winner ledger")
	}
	if got := db.ledger(winnerID).Balance; got != 1000 {
		t.Fatalf("expected winner balance 700 + 300, got %d", got)
	}
	if n := len(db.scheduledFor(accountID)); n != 1 {
		t.Fatalf("expected exactly one scheduled ledger, got %d", n)
	}
	assertSingleOpen(t, db, accountID)
	if db.attempts != 2 {
		t.Fatalf("expected two attempts, got %d", db.attempts)
	}
}

func TestCreateTransactionConcurrentSameBucket(t *testing.T) {
	db := newMemDB()
	e := newTestEngine(db)
	accountID := uuid.New()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.CreateTransaction(context.Background(), CreateTransactionRequest{
				AccountID:      accountID,
				Amount:         int64(i + 1),
				Currency:       "USD",
				IdempotencyKey: fmt.Sprintf("pay-%d", i),
				RoutingKey:     testNow.Add(-time.Duration(i) * time.Minute),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("create transaction: %v", err)
		}
	}

	scheduled := db.scheduledFor(accountID)
	if len(scheduled) != 1 {
		t.Fatalf("expected one scheduled ledger, got %d", len(scheduled))
	}
	if got := db.ledger(scheduled[0].LedgerID).Balance; got != n*(n+1)/2 {
		t.Fatalf("expected balance %d, got %d", n*(n+1)/2, got)
	}
	assertSingleOpen(t, db, accountID)
}

func TestCreateTransactionDuplicateKeyRaceReturnsWinner(t *testing.T) {
	db := newMemDB()
	e := newTestEngine(db)
	accountID := uuid.New()
	first := createTxn(t, e, accountID, 100, "pay-0")
	winnerTxnID := uuid.New()

	db.hook = func(db *memDB, method string, n int) error {
		if method != "InsertTransaction" || n != 2 {
			return nil
		}
		db.state.txns[winnerTxnID] = storage.Transaction{
			ID: winnerTxnID, AccountID: accountID, LedgerID: first.Ledger.ID, Amount: 50,
			Currency: "USD", IdempotencyKey: "pay-1", RoutingKey: testNow, CreatedAt: testNow,
		}
		return fmt.Errorf("%w: pay-1", storage.ErrDuplicateTransaction)
	}

	res := createTxn(t, e, accountID, 50, "pay-1")
	if res.Created || res.Transaction.ID != winnerTxnID {
		t.Fatalf("expected the concurrent winner's transaction, got %+v", res.Transaction)
	}
	if got := db.ledger(first.Ledger.ID).Balance; got != 100 {
		t.Fatalf("expected the losing attempt to roll back, balance %d", got)
	}
}

func TestCreateTransactionReusesOpenLedgerFromEarlierBucket(t *testing.T) {
	db := newMemDB()
	e := newTestEngine(db)
	accountID := uuid.New()

	legacyID := uuid.New()
	db.putLedger(storage.Ledger{
		ID: legacyID, AccountID: accountID, Currency: "USD", State: storage.StateOpen,
		Balance: 40, CreatedAt: testNow.Add(-72 * time.Hour), UpdatedAt: testNow.Add(-72 * time.Hour),
	})

	res := createTxn(t, e, accountID, 60, "pay-1")
	if res.Ledger.ID != legacyID {
		t.Fatalf("expected the existing open ledger to be reused")
	}
	if res.Ledger.Balance != 100 {
		t.Fatalf("expected balance 100, got %d", res.Ledger.Balance)
	}
	scheduled := db.scheduledFor(accountID)
	if len(scheduled) != 1 || scheduled[0].LedgerID != legacyID {
		t.Fatalf("expected a scheduled row pointing at the legacy ledger, got %+v", scheduled)
	}
	assertSingleOpen(t, db, accountID)
}

func TestCreateTransactionCurrencyMismatchIsNotRetried(t *testing.T) {
	db := newMemDB()
	e := newTestEngine(db)
	accountID := uuid.New()
	createTxn(t, e, accountID, 100, "pay-1")
	db.attempts = 0

	_, err := e.CreateTransaction(context.Background(), CreateTransactionRequest{
		AccountID: accountID, Amount: 5, Currency: "EUR", IdempotencyKey: "pay-2", RoutingKey: testNow,
	})
	if !errors.Is(err, ErrCurrencyMismatch) || !IsValidation(err) {
		t.Fatalf("expected currency mismatch, got %v", err)
	}
	if db.attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", db.attempts)
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	db := newMemDB()
	e := newTestEngine(db)

	cases := map[string]CreateTransactionRequest{
		"missing account": {Amount: 1, Currency: "USD", IdempotencyKey: "k"},
		"zero amount":     {AccountID: uuid.New(), Currency: "USD", IdempotencyKey: "k"},
		"bad currency":    {AccountID: uuid.New(), Amount: 1, Currency: "US", IdempotencyKey: "k"},
		"missing key":     {AccountID: uuid.New(), Amount: 1, Currency: "USD"},
		"bad interval":    {AccountID: uuid.New(), Amount: 1, Currency: "USD", IdempotencyKey: "k", Interval: "MONTHLY"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.CreateTransaction(context.Background(), req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected invalid request, got %v", err)
			}
		})
	}
	if db.attempts != 0 {
		t.Fatalf("validation must not touch the database")
	}
}

func TestContentionExhaustionSurfacesContentionError(t *testing.T) {
	db := newMemDB()
	metrics := newFakeMetrics()
	e := newTestEngine(db, WithMetrics(metrics))
	accountID := uuid.New()
	first := createTxn(t, e, accountID, 100, "pay-1")

	db.hook = func(_ *memDB, method string, _ int) error {
		if method == "AddToBalance" {
			return fmt.Errorf("%w: canceling statement due to lock timeout", storage.ErrLockNotAvailable)
		}
		return nil
	}
	db.attempts = 0

	_, err := e.CreateTransaction(context.Background(), CreateTransactionRequest{
		AccountID: accountID, Amount: 5, Currency: "USD", IdempotencyKey: "pay-2", RoutingKey: testNow,
	})
	var contention *ContentionError
	if !errors.As(err, &contention) {
		t.Fatalf("expected contention error, got %v", err)
	}
	if contention.Attempts != 5 || db.attempts != 5 || !contention.Retryable() {
		t.Fatalf("expected 5 attempts, got %d (db %d)", contention.Attempts, db.attempts)
	}
	if !errors.Is(err, storage.ErrLockNotAvailable) {
		t.Fatalf("expected cause to be preserved")
	}
	if IsValidation(err) {
		t.Fatalf("contention is not a validation error")
	}
	if got := db.ledger(first.Ledger.ID).Balance; got != 100 {
		t.Fatalf("expected no partial writes, balance %d", got)
	}
	if len(db.transactionsFor(first.Ledger.ID)) != 1 {
		t.Fatalf("expected no transaction left behind")
	}
	if metrics.retries[OpCreate] != 4 || metrics.contention[OpCreate] != 1 {
		t.Fatalf("unexpected metrics: retries=%v contention=%v", metrics.retries, metrics.contention)
	}
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	db := newMemDB()
	e := New(db, logging.Discard(), WithRetryPolicy(retry.Policy{MaxAttempts: 5, Backoff: time.Hour}))
	db.hook = func(_ *memDB, method string, _ int) error {
		if method == "FindTransaction" {
			return storage.ErrConflict
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.CreateTransaction(ctx, CreateTransactionRequest{
		AccountID: uuid.New(), Amount: 5, Currency: "USD", IdempotencyKey: "pay-1",
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if db.attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", db.attempts)
	}
}
