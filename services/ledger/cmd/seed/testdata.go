package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AfshinJalili/paycore/services/ledger/internal/bucket"
	"github.com/AfshinJalili/paycore/services/ledger/internal/engine"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
	"github.com/google/uuid"
)

var overdrawnMerchantID = uuid.MustParse("00000000-0000-0000-0000-000000000103")

// seedTestData overdraws a merchant in a closed window and settles it, so the
// deficit rolls into the merchant's current ledger. Returns the source ledger.
func seedTestData(ctx context.Context, eng ledgerEngine, now time.Time) (*storage.Ledger, error) {
	past := now.Add(-48 * time.Hour)
	entries := []struct {
		key    string
		amount int64
	}{
		{"seed:overdrawn:payment:1", 5_00},
		{"seed:overdrawn:chargeback:1", -20_00},
	}

	var ledgerID uuid.UUID
	for _, e := range entries {
		res, err := eng.CreateTransaction(ctx, engine.CreateTransactionRequest{
			AccountID:      overdrawnMerchantID,
			Amount:         e.amount,
			Currency:       "USD",
			IdempotencyKey: e.key,
			RoutingKey:     past,
			Interval:       bucket.Daily,
			TargetType:     "seed",
			TargetID:       e.key,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.key, err)
		}
		ledgerID = res.Transaction.LedgerID
	}

	if _, err := eng.Process(ctx, ledgerID); err != nil && !errors.Is(err, engine.ErrInvalidState) {
		return nil, fmt.Errorf("process %s: %w", ledgerID, err)
	}
	res, err := eng.Submit(ctx, ledgerID)
	var invalid *engine.InvalidStateError
	switch {
	case err == nil:
		return res.Ledger, nil
	case errors.As(err, &invalid) && invalid.State == storage.StateRolled:
		// rolled by an earlier run
		return &storage.Ledger{ID: ledgerID, AccountID: overdrawnMerchantID, State: invalid.State}, nil
	default:
		return nil, fmt.Errorf("submit %s: %w", ledgerID, err)
	}
}
