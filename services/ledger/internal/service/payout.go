package service

import (
	"context"
	"log/slog"

	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
)

// PayoutDispatcher hands a SUBMITTED ledger's balance to the payment
// provider. Implementations must be idempotent per ledger id.
type PayoutDispatcher interface {
	DispatchPayout(ctx context.Context, ledger *storage.Ledger) error
}

type LoggingPayoutDispatcher struct {
	logger *slog.Logger
}

func NewLoggingPayoutDispatcher(logger *slog.Logger) *LoggingPayoutDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPayoutDispatcher{logger: logger}
}

func (d *LoggingPayoutDispatcher) DispatchPayout(_ context.Context, ledger *storage.Ledger) error {
	d.logger.Info("payout requested",
		"ledger_id", ledger.ID.String(),
		"account_id", ledger.AccountID.String(),
		"amount", ledger.Balance,
		"currency", ledger.Currency,
	)
	return nil
}
