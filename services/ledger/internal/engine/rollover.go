package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AfshinJalili/paycore/libs/trace"
	"github.com/AfshinJalili/paycore/services/ledger/internal/bucket"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
)

const (
	RolloverTargetType = "ledger_rollover"
	rolloverKeyPrefix  = "rollover:"
)

type RolloverResult struct {
	Source      *storage.Ledger
	Destination *storage.Ledger
	Transaction *storage.Transaction
}

// RolloverKey is the idempotency key of the transaction that carries a
// source ledger's deficit.
func RolloverKey(sourceID uuid.UUID) string {
	return rolloverKeyPrefix + sourceID.String()
}

// Rollover moves the deficit of a PROCESSING ledger with a negative balance
// into the account's current open ledger and marks the source ROLLED.
func (e *Engine) Rollover(ctx context.Context, ledgerID uuid.UUID) (*RolloverResult, error) {
	ctx, span := trace.Start(ctx, "ledger.Rollover", attribute.String("ledger.id", ledgerID.String()))
	var out *RolloverResult
	err := e.run(ctx, OpRollover, func(ctx context.Context, tx storage.LedgerTx) error {
		ledger, err := lockLedger(ctx, tx, ledgerID)
		if err != nil {
			return err
		}
		if ledger.State != storage.StateProcessing || ledger.Balance >= 0 {
			return &InvalidStateError{LedgerID: ledger.ID, Op: OpRollover, State: ledger.State}
		}
		res, err := e.rollover(ctx, tx, ledger, e.now())
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	trace.End(span, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rollover runs inside the caller's attempt with source already locked.
func (e *Engine) rollover(ctx context.Context, tx storage.LedgerTx, source *storage.Ledger, now time.Time) (*RolloverResult, error) {
	deficit := -source.Balance

	interval := bucket.Daily
	latest, err := tx.LatestScheduledLedger(ctx, source.ID)
	switch {
	case err == nil:
		interval = latest.Interval
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	dest, err := e.allocator.GetOrCreate(ctx, tx, AllocateRequest{
		AccountID:  source.AccountID,
		RoutingKey: now,
		Interval:   interval,
		Amount:     deficit,
		Currency:   source.Currency,
	})
	if errors.Is(err, ErrCurrencyMismatch) {
		return nil, fmt.Errorf("%w: ledger %s: %w", ErrRolloverBlocked, source.ID, err)
	}
	if err != nil {
		return nil, err
	}

	txn := &storage.Transaction{
		ID:             uuid.New(),
		AccountID:      source.AccountID,
		LedgerID:       dest.ID,
		Amount:         deficit,
		Currency:       source.Currency,
		IdempotencyKey: RolloverKey(source.ID),
		RoutingKey:     now,
		TargetType:     RolloverTargetType,
		TargetID:       source.ID.String(),
		CreatedAt:      now,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}

	finalize(source, storage.StateRolled, now)
	destID := dest.ID
	source.RolledToLedgerID = &destID
	if err := tx.UpdateLedger(ctx, source); err != nil {
		return nil, err
	}

	e.logger.Info("ledger rolled over", "ledger_id", source.ID.String(), "destination_id", dest.ID.String(), "deficit", deficit)
	return &RolloverResult{Source: source, Destination: dest, Transaction: txn}, nil
}
