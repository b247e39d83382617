package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/paycore/libs/auth"
	"github.com/AfshinJalili/paycore/libs/logging"
	"github.com/AfshinJalili/paycore/services/ledger/internal/bucket"
	"github.com/AfshinJalili/paycore/services/ledger/internal/config"
	"github.com/AfshinJalili/paycore/services/ledger/internal/engine"
	"github.com/AfshinJalili/paycore/services/ledger/internal/handlers"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const operatorTokenTTL = 24 * time.Hour

var (
	demoMerchantID   = uuid.MustParse("00000000-0000-0000-0000-000000000101")
	weeklyMerchantID = uuid.MustParse("00000000-0000-0000-0000-000000000102")
)

type ledgerEngine interface {
	CreateTransaction(ctx context.Context, req engine.CreateTransactionRequest) (*engine.CreateTransactionResult, error)
	Process(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error)
	Submit(ctx context.Context, ledgerID uuid.UUID) (*engine.SubmitResult, error)
}

type demoPayment struct {
	key      string
	account  uuid.UUID
	amount   int64
	currency string
	interval bucket.Interval
}

var demoPayments = []demoPayment{
	{"seed:demo:payment:1", demoMerchantID, 125_00, "USD", bucket.Daily},
	{"seed:demo:payment:2", demoMerchantID, 49_99, "USD", bucket.Daily},
	{"seed:demo:refund:1", demoMerchantID, -20_00, "USD", bucket.Daily},
	{"seed:weekly:payment:1", weeklyMerchantID, 1_000_00, "EUR", bucket.Weekly},
	{"seed:weekly:payment:2", weeklyMerchantID, 250_00, "EUR", bucket.Weekly},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	env := cfg.App.Env
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: app env must be 'dev' or 'test' (got '%s')", env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.URL())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	logger := logging.NewWithWriter(os.Stderr, "warn", "seed", env)
	store := storage.New(pool, logger, cfg.DB.LockTimeout)
	eng := engine.New(store, logger)

	fmt.Println("Seeding database...")

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	fmt.Println("✓ Schema applied")

	now := time.Now().UTC()
	created, err := seedPayments(ctx, eng, now)
	if err != nil {
		log.Fatalf("seed payments: %v", err)
	}
	fmt.Printf("✓ Demo payments seeded (%d new)\n", created)

	if os.Getenv("SEED_TESTDATA") == "1" {
		rolled, err := seedTestData(ctx, eng, now)
		if err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Printf("✓ Test data seeded (overdrawn ledger %s is %s)\n", rolled.ID, rolled.State)
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nMerchants:")
	fmt.Printf("  %s (daily, USD)\n", demoMerchantID)
	fmt.Printf("  %s (weekly, EUR)\n", weeklyMerchantID)

	if env == "dev" {
		token, err := auth.Sign("seed-operator", []string{handlers.RoleRead, handlers.RoleWrite}, []byte(cfg.Auth.JWTSecret), operatorTokenTTL, now)
		if err != nil {
			log.Fatalf("sign operator token: %v", err)
		}
		fmt.Println("\nOperator token (DEV ONLY):")
		fmt.Printf("  %s\n", token)
	}
}

// seedPayments records the demo payments routed to now. Keys are fixed, so a
// second run creates nothing.
func seedPayments(ctx context.Context, eng ledgerEngine, now time.Time) (int, error) {
	created := 0
	for _, p := range demoPayments {
		res, err := eng.CreateTransaction(ctx, engine.CreateTransactionRequest{
			AccountID:      p.account,
			Amount:         p.amount,
			Currency:       p.currency,
			IdempotencyKey: p.key,
			RoutingKey:     now,
			Interval:       p.interval,
			TargetType:     "seed",
			TargetID:       p.key,
		})
		if err != nil {
			return created, fmt.Errorf("%s: %w", p.key, err)
		}
		if res.Created {
			created++
		}
	}
	return created, nil
}
