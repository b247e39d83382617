package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "paycore"),
		getEnv("POSTGRES_PASSWORD", "paycore"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "paycore"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// CleanupTestData removes the ledger rows of the given test accounts.
// Packages run concurrently against one database, so cleanup is always
// scoped to accounts the test created.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool, accountIDs ...uuid.UUID) error {
	queries := []string{
		"DELETE FROM transactions WHERE account_id = ANY($1::uuid[])",
		"DELETE FROM scheduled_ledgers WHERE account_id = ANY($1::uuid[])",
		"UPDATE ledgers SET rolled_to_ledger_id = NULL WHERE account_id = ANY($1::uuid[])",
		"DELETE FROM ledgers WHERE account_id = ANY($1::uuid[])",
	}
	ids := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		ids = append(ids, id.String())
	}
	for _, q := range queries {
		if _, err := pool.Exec(ctx, q, ids); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
