package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/AfshinJalili/paycore/libs/kafka"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
)

const (
	EventTransactionCreated = "transaction.created"
	EventLedgerProcessed    = "ledger.processed"
	EventLedgerSubmitted    = "ledger.submitted"
	EventLedgerPaid         = "ledger.paid"
	EventLedgerRolled       = "ledger.rolled"
	EventLedgerFailed       = "ledger.failed"
	EventLedgerReversed     = "ledger.reversed"

	eventVersion = 1
	eventSource  = "ledger-service"
)

type EventPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
}

type LedgerEvent struct {
	kafka.Envelope
	LedgerID         string `json:"ledger_id"`
	AccountID        string `json:"account_id"`
	State            string `json:"state,omitempty"`
	Balance          int64  `json:"balance"`
	Currency         string `json:"currency"`
	RolledToLedgerID string `json:"rolled_to_ledger_id,omitempty"`
	TransactionID    string `json:"transaction_id,omitempty"`
	Amount           int64  `json:"amount,omitempty"`
}

func stateEventType(state storage.LedgerState) string {
	switch state {
	case storage.StateProcessing:
		return EventLedgerProcessed
	case storage.StateSubmitted:
		return EventLedgerSubmitted
	case storage.StatePaid:
		return EventLedgerPaid
	case storage.StateRolled:
		return EventLedgerRolled
	case storage.StateFailed:
		return EventLedgerFailed
	case storage.StateReversed:
		return EventLedgerReversed
	}
	return ""
}

func (s *LedgerService) publishLedger(ctx context.Context, ledger *storage.Ledger) {
	eventType := stateEventType(ledger.State)
	if eventType == "" {
		return
	}
	event := LedgerEvent{
		LedgerID:  ledger.ID.String(),
		AccountID: ledger.AccountID.String(),
		State:     string(ledger.State),
		Balance:   ledger.Balance,
		Currency:  ledger.Currency,
	}
	if ledger.RolledToLedgerID != nil {
		event.RolledToLedgerID = ledger.RolledToLedgerID.String()
	}
	s.publish(ctx, eventType, ledger.AccountID, ledger.UpdatedAt, event, ledger.ID.String(), string(ledger.State))
}

func (s *LedgerService) publishTransaction(ctx context.Context, txn *storage.Transaction, ledger *storage.Ledger) {
	event := LedgerEvent{
		LedgerID:      txn.LedgerID.String(),
		AccountID:     txn.AccountID.String(),
		Currency:      txn.Currency,
		TransactionID: txn.ID.String(),
		Amount:        txn.Amount,
	}
	if ledger != nil {
		event.State = string(ledger.State)
		event.Balance = ledger.Balance
	}
	s.publish(ctx, EventTransactionCreated, txn.AccountID, txn.CreatedAt, event, txn.ID.String())
}

// publish is best effort: the state change is committed already, so a
// failed publish is logged and counted, never returned.
func (s *LedgerService) publish(ctx context.Context, eventType string, accountID uuid.UUID, at time.Time, event LedgerEvent, idParts ...string) {
	if s.publisher == nil || s.topic == "" {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	eventID := kafka.DeterministicEventID(append([]string{eventType}, idParts...)...)
	env, err := kafka.NewEnvelopeAt(eventID, eventType, eventVersion, at, "")
	if err != nil {
		s.logger.Error("build event envelope failed", "type", eventType, "error", err)
		return
	}
	env.Source = eventSource
	event.Envelope = env

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, _, err := s.publisher.PublishJSON(publishCtx, s.topic, accountID.String(), event); err != nil {
		s.metrics.IncEvent(eventType, "error")
		s.logger.Error("publish ledger event failed", "type", eventType, "ledger_id", event.LedgerID, "error", err)
		return
	}
	s.metrics.IncEvent(eventType, "success")
}
