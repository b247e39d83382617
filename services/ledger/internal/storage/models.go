package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/AfshinJalili/paycore/services/ledger/internal/bucket"
)

type LedgerState string

const (
	StateOpen       LedgerState = "OPEN"
	StateProcessing LedgerState = "PROCESSING"
	StateSubmitted  LedgerState = "SUBMITTED"
	StatePaid       LedgerState = "PAID"
	StateRolled     LedgerState = "ROLLED"
	StateFailed     LedgerState = "FAILED"
	StateReversed   LedgerState = "REVERSED"
)

// Terminal states accept no further transitions.
func (s LedgerState) Terminal() bool {
	switch s {
	case StateSubmitted, StatePaid, StateRolled, StateFailed, StateReversed:
		return true
	}
	return false
}

// Ledger balances are signed minor currency units.
type Ledger struct {
	ID               uuid.UUID
	AccountID        uuid.UUID
	Currency         string
	State            LedgerState
	Balance          int64
	AmountPaid       *int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	SubmittedAt      *time.Time
	FinalizedAt      *time.Time
	RolledToLedgerID *uuid.UUID
}

type ScheduledLedger struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	LedgerID  uuid.UUID
	Interval  bucket.Interval
	StartTime time.Time
	EndTime   time.Time
	ClosedAt  *time.Time
	CreatedAt time.Time
}

type Transaction struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	LedgerID       uuid.UUID
	Amount         int64
	Currency       string
	IdempotencyKey string
	RoutingKey     time.Time
	TargetType     string
	TargetID       string
	CreatedAt      time.Time
}
