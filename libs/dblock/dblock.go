// Package dblock implements a named, TTL-bounded mutual exclusion lock backed
// by a single row per lock in the `locks` table.
//
// A lock is held while its row is LOCKED and lock_timestamp + ttl_sec lies in
// the future. A holder that outlives its TTL can be preempted by a new
// acquirer; every acquisition gets a fresh holder token so a late Unlock never
// clears a lock that has since changed hands.
package dblock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	StatusOpen   = "OPEN"
	StatusLocked = "LOCKED"

	releaseTimeout = 5 * time.Second
)

var (
	ErrLockHeld = errors.New("lock is held")
	ErrNotHeld  = errors.New("lock not held by this handle")
)

// DB is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type AcquireError struct {
	LockID string
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire lock %q: %v", e.LockID, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

type ReleaseError struct {
	LockID string
	Err    error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release lock %q: %v", e.LockID, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }

type Handle struct {
	LockID     string
	Token      uuid.UUID
	AcquiredAt time.Time
	TTL        time.Duration
}

func (h *Handle) ExpiresAt() time.Time {
	return h.AcquiredAt.Add(h.TTL)
}

// State is the stored row for a lock id as seen at Now.
type State struct {
	LockID        string
	Status        string
	LockTimestamp time.Time
	TTL           time.Duration
	HolderID      uuid.UUID
	Held          bool
}

type Locker struct {
	db     DB
	logger *slog.Logger
	now    func() time.Time
}

func NewLocker(db DB, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used to stamp and evaluate leases.
func (l *Locker) WithClock(now func() time.Time) *Locker {
	if now != nil {
		l.now = now
	}
	return l
}

const acquireSQL = `
	INSERT INTO locks (lock_id, status, lock_timestamp, ttl_sec, holder_id)
	VALUES ($1, 'LOCKED', $2, $3, $4)
	ON CONFLICT (lock_id) DO UPDATE
	SET status = 'LOCKED',
		lock_timestamp = EXCLUDED.lock_timestamp,
		ttl_sec = EXCLUDED.ttl_sec,
		holder_id = EXCLUDED.holder_id
	WHERE locks.status = 'OPEN'
		OR locks.lock_timestamp + make_interval(secs => locks.ttl_sec) <= EXCLUDED.lock_timestamp
`

// Lock acquires lockID for ttl. It never waits: a live holder yields an
// *AcquireError wrapping ErrLockHeld.
func (l *Locker) Lock(ctx context.Context, lockID string, ttl time.Duration) (*Handle, error) {
	lockID = strings.TrimSpace(lockID)
	if lockID == "" {
		return nil, &AcquireError{LockID: lockID, Err: fmt.Errorf("lock id is required")}
	}
	if ttl <= 0 {
		return nil, &AcquireError{LockID: lockID, Err: fmt.Errorf("ttl must be positive")}
	}

	ttlSec := ttlSeconds(ttl)
	handle := &Handle{
		LockID:     lockID,
		Token:      uuid.New(),
		AcquiredAt: l.now(),
		TTL:        time.Duration(ttlSec) * time.Second,
	}

	tag, err := l.db.Exec(ctx, acquireSQL, lockID, handle.AcquiredAt, ttlSec, handle.Token)
	if err != nil {
		return nil, &AcquireError{LockID: lockID, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return nil, &AcquireError{LockID: lockID, Err: ErrLockHeld}
	}

	l.logger.Debug("lock acquired", "lock_id", lockID, "holder_id", handle.Token.String(), "ttl_sec", ttlSec)
	return handle, nil
}

const releaseSQL = `
	UPDATE locks
	SET status = 'OPEN'
	WHERE lock_id = $1 AND holder_id = $2 AND status = 'LOCKED'
`

// Unlock releases the lock only if handle still identifies the current
// holder. A lock lost to TTL reclaim yields a *ReleaseError wrapping
// ErrNotHeld and the row is left untouched.
func (l *Locker) Unlock(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return &ReleaseError{Err: fmt.Errorf("handle is required")}
	}
	tag, err := l.db.Exec(ctx, releaseSQL, handle.LockID, handle.Token)
	if err != nil {
		return &ReleaseError{LockID: handle.LockID, Err: err}
	}
	if tag.RowsAffected() == 0 {
		l.logger.Warn("lock lost before release", "lock_id", handle.LockID, "holder_id", handle.Token.String())
		return &ReleaseError{LockID: handle.LockID, Err: ErrNotHeld}
	}
	l.logger.Debug("lock released", "lock_id", handle.LockID, "holder_id", handle.Token.String())
	return nil
}

const refreshSQL = `
	UPDATE locks
	SET lock_timestamp = $3, ttl_sec = $4
	WHERE lock_id = $1 AND holder_id = $2 AND status = 'LOCKED'
		AND lock_timestamp + make_interval(secs => ttl_sec) > $3
`

// Refresh extends a live lease to now + ttl. A lease that already lapsed is
// not revived, even if nobody else has taken the lock yet.
func (l *Locker) Refresh(ctx context.Context, handle *Handle, ttl time.Duration) error {
	if handle == nil {
		return &ReleaseError{Err: fmt.Errorf("handle is required")}
	}
	if ttl <= 0 {
		ttl = handle.TTL
	}
	ttlSec := ttlSeconds(ttl)
	now := l.now()

	tag, err := l.db.Exec(ctx, refreshSQL, handle.LockID, handle.Token, now, ttlSec)
	if err != nil {
		return &ReleaseError{LockID: handle.LockID, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &ReleaseError{LockID: handle.LockID, Err: ErrNotHeld}
	}
	handle.AcquiredAt = now
	handle.TTL = time.Duration(ttlSec) * time.Second
	return nil
}

const statusSQL = `
	SELECT status, lock_timestamp, ttl_sec, COALESCE(holder_id::text, '')
	FROM locks
	WHERE lock_id = $1
`

func (l *Locker) Status(ctx context.Context, lockID string) (State, error) {
	state := State{LockID: lockID, Status: StatusOpen}

	var holder string
	var ttlSec int
	err := l.db.QueryRow(ctx, statusSQL, lockID).Scan(&state.Status, &state.LockTimestamp, &ttlSec, &holder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state, nil
		}
		return State{}, fmt.Errorf("load lock %q: %w", lockID, err)
	}
	state.TTL = time.Duration(ttlSec) * time.Second
	if holder != "" {
		if id, parseErr := uuid.Parse(holder); parseErr == nil {
			state.HolderID = id
		}
	}
	state.Held = state.Status == StatusLocked && l.now().Before(state.LockTimestamp.Add(state.TTL))
	return state, nil
}

func (l *Locker) IsLocked(ctx context.Context, lockID string) (bool, error) {
	state, err := l.Status(ctx, lockID)
	if err != nil {
		return false, err
	}
	return state.Held, nil
}

func ttlSeconds(ttl time.Duration) int {
	sec := int(math.Ceil(ttl.Seconds()))
	if sec < 1 {
		sec = 1
	}
	return sec
}
