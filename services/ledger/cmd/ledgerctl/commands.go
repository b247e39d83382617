package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/AfshinJalili/paycore/libs/workerpool"
	"github.com/AfshinJalili/paycore/services/ledger/internal/jobs"
	"github.com/AfshinJalili/paycore/services/ledger/internal/service"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type depsFunc func() (*app, error)

func withApp(deps depsFunc, fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := deps()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd, args)
	}
}

func migrateCmd(deps depsFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema",
		Args:  cobra.NoArgs,
		RunE: withApp(deps, func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if err := a.store.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		}),
	}
}

func ledgerCmd(deps depsFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and transition ledgers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <ledger-id>",
		Short: "Show a ledger",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(deps, func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid ledger id: %w", err)
			}
			ledger, err := a.service.GetLedger(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ledger)
		}),
	})

	var limit int
	txns := &cobra.Command{
		Use:   "transactions <ledger-id>",
		Short: "List a ledger's transactions",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(deps, func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid ledger id: %w", err)
			}
			list, err := a.service.ListTransactions(ctx, id, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		}),
	}
	txns.Flags().IntVarP(&limit, "limit", "n", 100, "maximum transactions to list")
	cmd.AddCommand(txns)

	transitions := []struct {
		use   string
		short string
		run   func(ctx context.Context, s *service.LedgerService, id uuid.UUID) (any, error)
	}{
		{"process", "Move an OPEN ledger to PROCESSING", func(ctx context.Context, s *service.LedgerService, id uuid.UUID) (any, error) {
			return s.ProcessLedger(ctx, id)
		}},
		{"submit", "Finalize a PROCESSING ledger by balance", func(ctx context.Context, s *service.LedgerService, id uuid.UUID) (any, error) {
			return s.SubmitLedger(ctx, id)
		}},
		{"fail", "Mark a ledger FAILED", func(ctx context.Context, s *service.LedgerService, id uuid.UUID) (any, error) {
			return s.FailLedger(ctx, id)
		}},
		{"reverse", "Mark a ledger REVERSED", func(ctx context.Context, s *service.LedgerService, id uuid.UUID) (any, error) {
			return s.ReverseLedger(ctx, id)
		}},
		{"rollover", "Carry a negative PROCESSING ledger into the open ledger", func(ctx context.Context, s *service.LedgerService, id uuid.UUID) (any, error) {
			return s.RolloverLedger(ctx, id)
		}},
	}
	for _, tr := range transitions {
		cmd.AddCommand(&cobra.Command{
			Use:   tr.use + " <ledger-id>",
			Short: tr.short,
			Args:  cobra.ExactArgs(1),
			RunE: withApp(deps, func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid ledger id: %w", err)
				}
				out, err := tr.run(ctx, a.service, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			}),
		})
	}
	return cmd
}

func transactionCmd(deps depsFunc) *cobra.Command {
	var (
		input   service.CreateTransactionInput
		account string
		at      string
	)
	cmd := &cobra.Command{
		Use:   "transaction",
		Short: "Record a ledger transaction",
		Args:  cobra.NoArgs,
		RunE: withApp(deps, func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			accountID, err := uuid.Parse(account)
			if err != nil {
				return fmt.Errorf("invalid --account: %w", err)
			}
			input.AccountID = accountID
			if at != "" {
				input.RoutingKey, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}
			result, err := a.service.CreateTransaction(ctx, input)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		}),
	}
	cmd.Flags().StringVar(&account, "account", "", "merchant account id")
	cmd.Flags().Int64Var(&input.Amount, "amount", 0, "signed amount in minor units")
	cmd.Flags().StringVar(&input.Currency, "currency", "USD", "ISO 4217 currency")
	cmd.Flags().StringVar(&input.IdempotencyKey, "key", "", "idempotency key")
	cmd.Flags().StringVar(&at, "at", "", "routing timestamp, RFC3339 (default now)")
	cmd.Flags().StringVar(&input.Interval, "interval", "DAILY", "settlement interval: DAILY or WEEKLY")
	cmd.Flags().StringVar(&input.TargetType, "target-type", "manual", "what the transaction refers to")
	cmd.Flags().StringVar(&input.TargetID, "target-id", "", "id of the referenced object")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func settleCmd(deps depsFunc) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Run one settlement sweep over due ledgers",
		Args:  cobra.NoArgs,
		RunE: withApp(deps, func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if workers <= 0 {
				workers = a.cfg.Settlement.Workers
			}
			pool, err := workerpool.New(jobs.PoolName, workers)
			if err != nil {
				return err
			}
			job := jobs.NewSettlementJob(a.store, a.service, a.locker, pool, a.logger, nil, jobs.Config{
				BatchSize: a.cfg.Settlement.BatchSize,
				LockTTL:   a.cfg.Settlement.LockTTL,
				Grace:     a.cfg.Settlement.Grace,
			})
			summary, err := job.RunOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		}),
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "concurrent settlements (default from config)")
	return cmd
}

func lockCmd(deps depsFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect distributed row locks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <lock-id>",
		Short: "Show a lock's holder and expiry",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(deps, func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			state, err := a.locker.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		}),
	})
	return cmd
}

func poolCmd(deps depsFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Read and change runtime worker pool capacities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show capacity overrides stored in Redis",
		Args:  cobra.NoArgs,
		RunE: withApp(deps, func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			caps, err := a.runtimeSource().PoolCapacities(ctx)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(caps))
			for name := range caps {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, caps[name])
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resize <pool> <capacity>",
		Short: "Set a pool's capacity; running services pick it up on their next poll",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(deps, func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			capacity, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid capacity: %w", err)
			}
			if err := a.runtimeSource().SetPoolCapacity(ctx, args[0], capacity); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s capacity set to %d\n", args[0], capacity)
			return nil
		}),
	})
	return cmd
}
