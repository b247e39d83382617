package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AfshinJalili/paycore/libs/trace"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
)

const (
	OpProcess  = "process"
	OpSubmit   = "submit"
	OpFail     = "fail"
	OpReverse  = "reverse"
	OpRollover = "rollover"
	OpCreate   = "create_transaction"
)

var transitions = map[storage.LedgerState][]storage.LedgerState{
	storage.StateOpen:       {storage.StateProcessing, storage.StateFailed, storage.StateReversed},
	storage.StateProcessing: {storage.StateSubmitted, storage.StatePaid, storage.StateRolled, storage.StateFailed, storage.StateReversed},
}

func CanTransition(from, to storage.LedgerState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func requireTransition(ledger *storage.Ledger, op string, to storage.LedgerState) error {
	if !CanTransition(ledger.State, to) {
		return &InvalidStateError{LedgerID: ledger.ID, Op: op, State: ledger.State}
	}
	return nil
}

// Process moves an OPEN ledger to PROCESSING and closes its open scheduled
// windows in the same transaction, so the allocator stops routing to it.
func (e *Engine) Process(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error) {
	ctx, span := trace.Start(ctx, "ledger.Process", attribute.String("ledger.id", ledgerID.String()))
	var out *storage.Ledger
	err := e.run(ctx, OpProcess, func(ctx context.Context, tx storage.LedgerTx) error {
		ledger, err := lockLedger(ctx, tx, ledgerID)
		if err != nil {
			return err
		}
		if err := requireTransition(ledger, OpProcess, storage.StateProcessing); err != nil {
			return err
		}

		now := e.now()
		ledger.State = storage.StateProcessing
		ledger.UpdatedAt = now
		if err := tx.UpdateLedger(ctx, ledger); err != nil {
			return err
		}
		if _, err := tx.CloseScheduledLedgers(ctx, ledger.ID, now); err != nil {
			return err
		}
		out = ledger
		return nil
	})
	trace.End(span, err)
	if err != nil {
		return nil, err
	}
	e.logger.Info("ledger processing", "ledger_id", ledgerID.String(), "account_id", out.AccountID.String())
	return out, nil
}

type SubmitResult struct {
	Ledger   *storage.Ledger
	Rollover *RolloverResult
}

// Submit finalizes a PROCESSING ledger according to its balance: positive
// balances are submitted for payout, zero balances are paid, and negative
// balances roll into the account's current open ledger.
func (e *Engine) Submit(ctx context.Context, ledgerID uuid.UUID) (*SubmitResult, error) {
	ctx, span := trace.Start(ctx, "ledger.Submit", attribute.String("ledger.id", ledgerID.String()))
	var out *SubmitResult
	err := e.run(ctx, OpSubmit, func(ctx context.Context, tx storage.LedgerTx) error {
		ledger, err := lockLedger(ctx, tx, ledgerID)
		if err != nil {
			return err
		}
		if ledger.State != storage.StateProcessing {
			return &InvalidStateError{LedgerID: ledger.ID, Op: OpSubmit, State: ledger.State}
		}

		now := e.now()
		switch {
		case ledger.Balance > 0:
			ledger.State = storage.StateSubmitted
			ledger.SubmittedAt = &now
			ledger.UpdatedAt = now
			if err := tx.UpdateLedger(ctx, ledger); err != nil {
				return err
			}
			out = &SubmitResult{Ledger: ledger}
		case ledger.Balance == 0:
			finalize(ledger, storage.StatePaid, now)
			if err := tx.UpdateLedger(ctx, ledger); err != nil {
				return err
			}
			out = &SubmitResult{Ledger: ledger}
		default:
			res, err := e.rollover(ctx, tx, ledger, now)
			if err != nil {
				return err
			}
			out = &SubmitResult{Ledger: res.Source, Rollover: res}
		}
		return nil
	})
	trace.End(span, err)
	if err != nil {
		return nil, err
	}
	e.logger.Info("ledger submitted", "ledger_id", ledgerID.String(), "state", string(out.Ledger.State), "balance", out.Ledger.Balance)
	return out, nil
}

func (e *Engine) Fail(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error) {
	return e.terminate(ctx, OpFail, ledgerID, storage.StateFailed)
}

func (e *Engine) Reverse(ctx context.Context, ledgerID uuid.UUID) (*storage.Ledger, error) {
	return e.terminate(ctx, OpReverse, ledgerID, storage.StateReversed)
}

// terminate handles operator transitions out of OPEN or PROCESSING.
func (e *Engine) terminate(ctx context.Context, op string, ledgerID uuid.UUID, to storage.LedgerState) (*storage.Ledger, error) {
	ctx, span := trace.Start(ctx, fmt.Sprintf("ledger.%s", op), attribute.String("ledger.id", ledgerID.String()))
	var out *storage.Ledger
	err := e.run(ctx, op, func(ctx context.Context, tx storage.LedgerTx) error {
		ledger, err := lockLedger(ctx, tx, ledgerID)
		if err != nil {
			return err
		}
		if err := requireTransition(ledger, op, to); err != nil {
			return err
		}

		now := e.now()
		ledger.State = to
		ledger.FinalizedAt = &now
		ledger.UpdatedAt = now
		if err := tx.UpdateLedger(ctx, ledger); err != nil {
			return err
		}
		if _, err := tx.CloseScheduledLedgers(ctx, ledger.ID, now); err != nil {
			return err
		}
		out = ledger
		return nil
	})
	trace.End(span, err)
	if err != nil {
		return nil, err
	}
	e.logger.Warn("ledger terminated by operator", "ledger_id", ledgerID.String(), "state", string(to))
	return out, nil
}

func finalize(ledger *storage.Ledger, state storage.LedgerState, now time.Time) {
	var zero int64
	ledger.State = state
	ledger.AmountPaid = &zero
	ledger.FinalizedAt = &now
	ledger.UpdatedAt = now
}
