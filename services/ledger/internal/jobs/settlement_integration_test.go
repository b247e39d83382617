package jobs

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/paycore/libs/dblock"
	"github.com/AfshinJalili/paycore/libs/logging"
	"github.com/AfshinJalili/paycore/libs/workerpool"
	"github.com/AfshinJalili/paycore/services/ledger/internal/bucket"
	"github.com/AfshinJalili/paycore/services/ledger/internal/engine"
	"github.com/AfshinJalili/paycore/services/ledger/internal/service"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
	"github.com/AfshinJalili/paycore/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func setupPostgres(t *testing.T) (*storage.Store, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	store := storage.New(pool, logging.Discard(), 500*time.Millisecond)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store, pool
}

func TestPostgresSettlementSweep(t *testing.T) {
	store, pool := setupPostgres(t)
	ctx := context.Background()
	logger := logging.Discard()

	positive, negative := uuid.New(), uuid.New()
	t.Cleanup(func() {
		if err := testutil.CleanupTestData(context.Background(), pool, positive, negative); err != nil {
			t.Logf("cleanup: %v", err)
		}
	})

	eng := engine.New(store, logger)
	svc := service.NewLedgerService(eng, store, nil, nil, dblock.NewLocker(pool, logger), logger, nil, service.Config{})

	past := time.Now().UTC().AddDate(0, 0, -3)
	amounts := map[uuid.UUID][]int64{positive: {500, 700}, negative: {300, -900}}
	ledgers := map[uuid.UUID]uuid.UUID{}
	for account, list := range amounts {
		for i, amount := range list {
			res, err := svc.CreateTransaction(ctx, service.CreateTransactionInput{
				AccountID:      account,
				Amount:         amount,
				Currency:       "USD",
				IdempotencyKey: "sweep-" + account.String() + "-" + strconv.Itoa(i),
				RoutingKey:     past,
				Interval:       string(bucket.Daily),
			})
			if err != nil {
				t.Fatalf("create transaction: %v", err)
			}
			ledgers[account] = res.Transaction.LedgerID
		}
	}

	// Two sweeps race over the same due ledgers; the row locks and state
	// checks must keep each ledger settled exactly once.
	var wg sync.WaitGroup
	summaries := make([]Summary, 2)
	for i := range summaries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wp, err := workerpool.New(PoolName, 2)
			if err != nil {
				t.Errorf("pool: %v", err)
				return
			}
			job := NewSettlementJob(store, svc, dblock.NewLocker(store.Pool(), logger), wp, logger, nil, Config{BatchSize: 1000, LockTTL: 5 * time.Second})
			summaries[i], err = job.RunOnce(ctx)
			if err != nil {
				t.Errorf("run: %v", err)
			}
		}(i)
	}
	wg.Wait()

	pos, err := store.GetLedger(ctx, ledgers[positive])
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if pos.State != storage.StateSubmitted || pos.Balance != 1200 {
		t.Fatalf("expected SUBMITTED 1200, got %s %d", pos.State, pos.Balance)
	}

	neg, err := store.GetLedger(ctx, ledgers[negative])
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if neg.State != storage.StateRolled || neg.RolledToLedgerID == nil {
		t.Fatalf("expected ROLLED with destination, got %s", neg.State)
	}
	dest, err := store.GetLedger(ctx, *neg.RolledToLedgerID)
	if err != nil {
		t.Fatalf("get destination: %v", err)
	}
	if dest.State != storage.StateOpen || dest.Balance != 600 {
		t.Fatalf("expected OPEN 600 destination, got %s %d", dest.State, dest.Balance)
	}

	txns, err := store.ListTransactions(ctx, dest.ID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txns) != 1 || txns[0].IdempotencyKey != engine.RolloverKey(neg.ID) {
		t.Fatalf("expected a single rollover transaction, got %+v", txns)
	}
}
