package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AfshinJalili/paycore/libs/trace"
	"github.com/AfshinJalili/paycore/services/ledger/internal/bucket"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
)

const maxIdempotencyKeyLen = 255

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type CreateTransactionRequest struct {
	AccountID      uuid.UUID
	Amount         int64
	Currency       string
	IdempotencyKey string
	RoutingKey     time.Time
	Interval       bucket.Interval
	TargetType     string
	TargetID       string
}

type CreateTransactionResult struct {
	Transaction *storage.Transaction
	// Ledger is the credited ledger; nil when the key had been seen before.
	Ledger  *storage.Ledger
	Created bool
}

func (r *CreateTransactionRequest) normalize(now time.Time) error {
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	if r.AccountID == uuid.Nil {
		return invalidRequest("account_id is required")
	}
	if r.Amount == 0 {
		return invalidRequest("amount must be non-zero")
	}
	if !currencyPattern.MatchString(r.Currency) {
		return invalidRequest("currency must be a 3-letter code")
	}
	if r.IdempotencyKey == "" {
		return invalidRequest("idempotency_key is required")
	}
	if len(r.IdempotencyKey) > maxIdempotencyKeyLen {
		return invalidRequest("idempotency_key is too long")
	}
	if r.Interval == "" {
		r.Interval = bucket.Daily
	}
	if !r.Interval.Valid() {
		return invalidRequest("unknown interval %q", r.Interval)
	}
	if r.RoutingKey.IsZero() {
		r.RoutingKey = now
	}
	r.RoutingKey = r.RoutingKey.UTC()
	return nil
}

// CreateTransaction records a transaction and applies it to the ledger of
// its bucket in one unit of work. Replaying an idempotency key returns the
// stored transaction untouched, including when a concurrent caller wins the
// key mid-flight.
func (e *Engine) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*CreateTransactionResult, error) {
	if err := req.normalize(e.now()); err != nil {
		return nil, err
	}

	ctx, span := trace.Start(ctx, "ledger.CreateTransaction",
		attribute.String("account.id", req.AccountID.String()),
		attribute.String("ledger.interval", req.Interval.String()),
	)
	var out *CreateTransactionResult
	err := e.run(ctx, OpCreate, func(ctx context.Context, tx storage.LedgerTx) error {
		existing, err := tx.FindTransaction(ctx, req.AccountID, req.IdempotencyKey)
		if err == nil {
			out = &CreateTransactionResult{Transaction: existing}
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		ledger, err := e.allocator.GetOrCreate(ctx, tx, AllocateRequest{
			AccountID:  req.AccountID,
			RoutingKey: req.RoutingKey,
			Interval:   req.Interval,
			Amount:     req.Amount,
			Currency:   req.Currency,
		})
		if err != nil {
			return err
		}

		txn := &storage.Transaction{
			ID:             uuid.New(),
			AccountID:      req.AccountID,
			LedgerID:       ledger.ID,
			Amount:         req.Amount,
			Currency:       req.Currency,
			IdempotencyKey: req.IdempotencyKey,
			RoutingKey:     req.RoutingKey,
			TargetType:     req.TargetType,
			TargetID:       req.TargetID,
			CreatedAt:      e.now(),
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		out = &CreateTransactionResult{Transaction: txn, Ledger: ledger, Created: true}
		return nil
	})
	trace.End(span, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}
