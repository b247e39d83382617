// Command ledgerctl is the operator CLI for the ledger service: schema
// migration, manual state transitions, settlement sweeps, lock inspection
// and runtime pool sizing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AfshinJalili/paycore/libs/dblock"
	"github.com/AfshinJalili/paycore/libs/logging"
	"github.com/AfshinJalili/paycore/libs/retry"
	"github.com/AfshinJalili/paycore/libs/runtimeconfig"
	"github.com/AfshinJalili/paycore/services/ledger/internal/config"
	"github.com/AfshinJalili/paycore/services/ledger/internal/engine"
	"github.com/AfshinJalili/paycore/services/ledger/internal/service"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"log/slog"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the merchant ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	deps := func() (*app, error) {
		level := "warn"
		if verbose {
			level = "debug"
		}
		return openApp(level)
	}

	root.AddCommand(migrateCmd(deps))
	root.AddCommand(ledgerCmd(deps))
	root.AddCommand(transactionCmd(deps))
	root.AddCommand(settleCmd(deps))
	root.AddCommand(lockCmd(deps))
	root.AddCommand(poolCmd(deps))
	return root
}

type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	pool    *pgxpool.Pool
	store   *storage.Store
	locker  *dblock.Locker
	service *service.LedgerService
	redis   *redis.Client
}

func openApp(level string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewWithWriter(os.Stderr, level, "ledgerctl", cfg.App.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.DB.URL())
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	store := storage.New(pool, logger, cfg.DB.LockTimeout)
	eng := engine.New(store, logger, engine.WithRetryPolicy(retry.Policy{
		MaxAttempts: cfg.Engine.MaxAttempts,
		Backoff:     cfg.Engine.Backoff,
	}))
	locker := dblock.NewLocker(pool, logger)

	// Events are not published from the CLI; the service picks state up
	// from the database.
	svc := service.NewLedgerService(eng, store, nil, nil, locker, logger, nil, service.Config{PayoutLockTTL: cfg.Settlement.LockTTL})

	return &app{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		store:   store,
		locker:  locker,
		service: svc,
		redis: redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}),
	}, nil
}

func (a *app) Close() {
	_ = a.redis.Close()
	a.pool.Close()
}

func (a *app) runtimeSource() *runtimeconfig.RedisSource {
	return runtimeconfig.NewRedisSource(a.redis, a.cfg.Runtime.KeyPrefix)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
