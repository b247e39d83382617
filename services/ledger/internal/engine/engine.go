// Package engine keeps merchant ledgers consistent under concurrent writers.
//
// Every operation runs as one database transaction per attempt. Races are
// detected by unique indexes and row lock timeouts, classified by storage,
// and resolved by re-running the whole attempt after a fixed pause. Nothing
// here holds in-memory locks across requests.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AfshinJalili/paycore/libs/retry"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
)

type TxRunner interface {
	InTx(ctx context.Context, fn func(storage.LedgerTx) error) error
}

type Metrics interface {
	IncRetry(op string)
	IncContention(op string)
}

type Engine struct {
	db        TxRunner
	allocator *Allocator
	policy    retry.Policy
	now       func() time.Time
	logger    *slog.Logger
	metrics   Metrics
}

type Option func(*Engine)

func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func New(db TxRunner, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		db:     db,
		policy: retry.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.allocator = NewAllocator(func() time.Time { return e.now() })
	return e
}

func (e *Engine) Allocator() *Allocator { return e.allocator }

// run executes fn in a fresh transaction per attempt, retrying contention
// until the policy is exhausted.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context, tx storage.LedgerTx) error) error {
	policy := e.policy
	policy.OnRetry = func(attempt int, err error) {
		e.logger.Warn("ledger contention, retrying", "op", op, "attempt", attempt, "error", err)
		if e.metrics != nil {
			e.metrics.IncRetry(op)
		}
	}

	err := retry.Do(ctx, policy, storage.IsContention, func(ctx context.Context, _ int) error {
		return e.db.InTx(ctx, func(tx storage.LedgerTx) error {
			return fn(ctx, tx)
		})
	})

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		if e.metrics != nil {
			e.metrics.IncContention(op)
		}
		e.logger.Error("ledger contention budget exhausted", "op", op, "attempts", exhausted.Attempts, "error", exhausted.Err)
		return &ContentionError{Op: op, Attempts: exhausted.Attempts, Err: exhausted.Err}
	}
	return err
}

// lockLedger loads the ledger and holds its row lock for the rest of the
// attempt.
func lockLedger(ctx context.Context, tx storage.LedgerTx, id uuid.UUID) (*storage.Ledger, error) {
	ledger, err := tx.GetLedgerForUpdate(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrLedgerNotFound, id)
	}
	return ledger, err
}
