// Package jobs runs the periodic settlement sweep: every ledger whose
// scheduled windows have closed is moved to PROCESSING and then submitted.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AfshinJalili/paycore/libs/dblock"
	"github.com/AfshinJalili/paycore/libs/workerpool"
	"github.com/AfshinJalili/paycore/services/ledger/internal/engine"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"log/slog"
)

const (
	PoolName = "settlement"

	outcomeSubmitted = "submitted"
	outcomePaid      = "paid"
	outcomeRolled    = "rolled"
	outcomeSkipped   = "skipped"
	outcomeBlocked   = "needs_operator"
	outcomeFailed    = "failed"
)

type DueLister interface {
	ListDueLedgers(ctx context.Context, before time.Time, limit int) ([]storage.Ledger, error)
}

type Settler interface {
	ProcessLedger(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error)
	SubmitLedger(ctx context.Context, ledgerID uuid.UUID) (*engine.SubmitResult, error)
}

type Locker interface {
	WithLock(ctx context.Context, lockID string, ttl time.Duration, fn func(ctx context.Context) error, opts ...dblock.Option) error
}

type Spawner interface {
	Spawn(ctx context.Context, task workerpool.Task) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
	// Grace delays settlement past the end of a window so that late
	// transactions routed into it still land before processing.
	Grace time.Duration
}

type Summary struct {
	Due       int
	Submitted int
	Paid      int
	Rolled    int
	Skipped   int
	// Blocked ledgers cannot settle without an operator and are seen again
	// on every sweep until one acts.
	Blocked int
	Failed  int
}

type SettlementJob struct {
	lister  DueLister
	settler Settler
	locker  Locker
	pool    Spawner
	logger  *slog.Logger
	metrics *Metrics
	cfg     Config
	now     func() time.Time
}

func NewSettlementJob(lister DueLister, settler Settler, locker Locker, pool Spawner, logger *slog.Logger, metrics *Metrics, cfg Config) *SettlementJob {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &SettlementJob{
		lister:  lister,
		settler: settler,
		locker:  locker,
		pool:    pool,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (j *SettlementJob) WithClock(now func() time.Time) *SettlementJob {
	if now != nil {
		j.now = now
	}
	return j
}

func SettleLockID(ledgerID uuid.UUID) string {
	return "ledger-settle:" + ledgerID.String()
}

// Run sweeps once immediately and then on every interval until ctx ends.
func (j *SettlementJob) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("settlement sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce settles one batch of due ledgers through the worker pool. A
// failure on one ledger is counted and logged without stopping the batch;
// only listing errors and cancellation are returned.
func (j *SettlementJob) RunOnce(ctx context.Context) (Summary, error) {
	start := time.Now()
	defer func() { j.metrics.observeRun(time.Since(start)) }()

	due, err := j.lister.ListDueLedgers(ctx, j.now().Add(-j.cfg.Grace), j.cfg.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("list due ledgers: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = Summary{Due: len(due)}
	)
	record := func(outcome string) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case outcomeSubmitted:
			summary.Submitted++
		case outcomePaid:
			summary.Paid++
		case outcomeRolled:
			summary.Rolled++
		case outcomeSkipped:
			summary.Skipped++
		case outcomeBlocked:
			summary.Blocked++
		default:
			summary.Failed++
		}
		j.metrics.incOutcome(outcome)
	}

	var g errgroup.Group
	for i := range due {
		ledger := due[i]
		g.Go(func() error {
			return j.pool.Spawn(ctx, func(ctx context.Context) error {
				record(j.settle(ctx, ledger))
				return nil
			})
		})
	}
	err = g.Wait()

	j.logger.Info("settlement sweep finished",
		"due", summary.Due,
		"submitted", summary.Submitted,
		"paid", summary.Paid,
		"rolled", summary.Rolled,
		"skipped", summary.Skipped,
		"blocked", summary.Blocked,
		"failed", summary.Failed,
		"duration", time.Since(start),
	)
	return summary, err
}

func (j *SettlementJob) settle(ctx context.Context, ledger storage.Ledger) string {
	var final storage.LedgerState
	err := j.locker.WithLock(ctx, SettleLockID(ledger.ID), j.cfg.LockTTL, func(ctx context.Context) error {
		if ledger.State == storage.StateOpen {
			if _, err := j.settler.ProcessLedger(ctx, ledger.ID); err != nil {
				return err
			}
		}
		res, err := j.settler.SubmitLedger(ctx, ledger.ID)
		if err != nil {
			return err
		}
		final = res.Ledger.State
		return nil
	}, dblock.WithHeartbeat(j.cfg.LockTTL/3))

	switch {
	case err == nil:
	case errors.Is(err, dblock.ErrLockHeld):
		j.logger.Debug("ledger settlement in progress elsewhere", "ledger_id", ledger.ID.String())
		return outcomeSkipped
	case errors.Is(err, engine.ErrInvalidState):
		j.logger.Info("ledger moved before settlement", "ledger_id", ledger.ID.String(), "error", err)
		return outcomeSkipped
	case errors.Is(err, engine.ErrRolloverBlocked):
		j.logger.Warn("ledger needs operator", "ledger_id", ledger.ID.String(), "account_id", ledger.AccountID.String(), "error", err)
		return outcomeBlocked
	default:
		j.logger.Error("ledger settlement failed", "ledger_id", ledger.ID.String(), "error", err)
		return outcomeFailed
	}

	switch final {
	case storage.StateSubmitted:
		return outcomeSubmitted
	case storage.StatePaid:
		return outcomePaid
	case storage.StateRolled:
		return outcomeRolled
	}
	return outcomeFailed
}
