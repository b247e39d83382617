package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AfshinJalili/paycore/services/ledger/internal/bucket"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
)

type AllocateRequest struct {
	AccountID  uuid.UUID
	RoutingKey time.Time
	Interval   bucket.Interval
	Amount     int64
	Currency   string
}

// Allocator finds or creates the OPEN ledger a bucket's money belongs to and
// applies the amount to it. It never takes explicit locks: the open bucket
// and one-open-ledger unique indexes turn a lost creation race into
// storage.ErrConflict, and the caller's retry re-reads the winner's rows.
type Allocator struct {
	now func() time.Time
}

func NewAllocator(now func() time.Time) *Allocator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Allocator{now: now}
}

// GetOrCreate must run inside the caller's transaction. The returned ledger
// already reflects req.Amount.
func (a *Allocator) GetOrCreate(ctx context.Context, tx storage.LedgerTx, req AllocateRequest) (*storage.Ledger, error) {
	if !req.Interval.Valid() {
		return nil, invalidRequest("unknown interval %q", req.Interval)
	}
	currency := strings.ToUpper(req.Currency)
	b := bucket.For(req.RoutingKey, req.Interval)
	now := a.now()

	scheduled, err := tx.FindScheduledLedger(ctx, req.AccountID, b.Start, b.End)
	if err == nil {
		return a.credit(ctx, tx, scheduled.LedgerID, req.Amount, currency, now)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// An OPEN ledger without a row for this bucket: a one-off ledger or one
	// from an earlier bucket that has not been processed yet.
	open, err := tx.FindOpenLedger(ctx, req.AccountID)
	if err == nil {
		if open.Currency != currency {
			return nil, fmt.Errorf("%w: ledger %s is %s, got %s", ErrCurrencyMismatch, open.ID, open.Currency, currency)
		}
		if err := tx.InsertScheduledLedger(ctx, newScheduled(req.AccountID, open.ID, b, now)); err != nil {
			return nil, err
		}
		return a.credit(ctx, tx, open.ID, req.Amount, currency, now)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	ledger := &storage.Ledger{
		ID:        uuid.New(),
		AccountID: req.AccountID,
		Currency:  currency,
		State:     storage.StateOpen,
		Balance:   req.Amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertLedger(ctx, ledger); err != nil {
		return nil, err
	}
	if err := tx.InsertScheduledLedger(ctx, newScheduled(req.AccountID, ledger.ID, b, now)); err != nil {
		return nil, err
	}
	return ledger, nil
}

// credit applies amount and confirms the ledger is still OPEN. A ledger that
// was processed between our read and the update means we raced the state
// machine; that is reported as a conflict so the attempt is redone.
func (a *Allocator) credit(ctx context.Context, tx storage.LedgerTx, ledgerID uuid.UUID, amount int64, currency string, now time.Time) (*storage.Ledger, error) {
	ledger, err := tx.AddToBalance(ctx, ledgerID, amount, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: ledger %s vanished", storage.ErrConflict, ledgerID)
		}
		return nil, err
	}
	if ledger.State != storage.StateOpen {
		return nil, fmt.Errorf("%w: ledger %s moved to %s", storage.ErrConflict, ledgerID, ledger.State)
	}
	if ledger.Currency != currency {
		return nil, fmt.Errorf("%w: ledger %s is %s, got %s", ErrCurrencyMismatch, ledger.ID, ledger.Currency, currency)
	}
	return ledger, nil
}

func newScheduled(accountID, ledgerID uuid.UUID, b bucket.Bucket, now time.Time) *storage.ScheduledLedger {
	return &storage.ScheduledLedger{
		ID:        uuid.New(),
		AccountID: accountID,
		LedgerID:  ledgerID,
		Interval:  b.Interval,
		StartTime: b.Start,
		EndTime:   b.End,
		CreatedAt: now,
	}
}
