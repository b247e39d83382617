package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
)

var (
	ErrLedgerNotFound   = errors.New("ledger not found")
	ErrInvalidState     = errors.New("invalid ledger state")
	ErrCurrencyMismatch = errors.New("currency does not match open ledger")
	ErrInvalidRequest   = errors.New("invalid request")
	// ErrRolloverBlocked means a deficit has nowhere to go: the account's
	// open ledger is in another currency. The source stays PROCESSING until
	// an operator fails or reverses it.
	ErrRolloverBlocked = errors.New("rollover blocked")
)

// InvalidStateError is returned when an operation's precondition on the
// ledger state does not hold. It is never retried.
type InvalidStateError struct {
	LedgerID uuid.UUID
	Op       string
	State    storage.LedgerState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s ledger %s: state %s does not allow it", e.Op, e.LedgerID, e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ContentionError reports that every attempt of an operation lost a race.
// The operation left nothing behind and the caller may run it again.
type ContentionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("%s: contention after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ContentionError) Unwrap() error { return e.Err }

// Retryable is always true: the budget is spent, but a fresh call is safe.
func (e *ContentionError) Retryable() bool { return true }

func IsValidation(err error) bool {
	return errors.Is(err, ErrLedgerNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, storage.ErrBalanceOutOfRange)
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
