package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	constraintOpenBucket  = "scheduled_ledgers_open_bucket_key"
	constraintOneOpen     = "ledgers_one_open_per_account"
	constraintIdempotency = "transactions_idempotency_key"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a concurrent writer won a race on an allocation
	// constraint. Re-running the unit of work observes the winner's rows.
	ErrConflict = errors.New("allocation conflict")
	// ErrLockNotAvailable is a row lock wait that exceeded lock_timeout.
	ErrLockNotAvailable     = errors.New("row lock not available")
	ErrDuplicateTransaction = errors.New("duplicate transaction idempotency key")
	// ErrBalanceOutOfRange means applying an amount would overflow the
	// ledger's bigint balance. Retrying cannot help.
	ErrBalanceOutOfRange = errors.New("ledger balance out of range")
)

// IsContention reports whether err is a race that a fresh attempt of the
// whole unit of work can resolve.
func IsContention(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrLockNotAvailable) ||
		errors.Is(err, ErrDuplicateTransaction)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		switch pgErr.ConstraintName {
		case constraintOpenBucket, constraintOneOpen:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case constraintIdempotency:
			return fmt.Errorf("%w: %w", ErrDuplicateTransaction, err)
		}
	case pgerrcode.LockNotAvailable:
		return fmt.Errorf("%w: %w", ErrLockNotAvailable, err)
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case pgerrcode.NumericValueOutOfRange:
		return fmt.Errorf("%w: %w", ErrBalanceOutOfRange, err)
	}
	return err
}
