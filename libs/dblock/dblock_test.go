package dblock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/AfshinJalili/paycore/libs/logging"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLocker(t *testing.T) (*Locker, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	locker := NewLocker(mock, logging.Discard()).WithClock(func() time.Time { return fixedNow })
	return locker, mock
}

func TestLockAcquiresFreeLock(t *testing.T) {
	locker, mock := newTestLocker(t)
	mock.ExpectExec("INSERT INTO locks").
		WithArgs("settle:1", fixedNow, 5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	handle, err := locker.Lock(context.Background(), "settle:1", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "settle:1", handle.LockID)
	require.NotEqual(t, uuid.Nil, handle.Token)
	require.Equal(t, fixedNow.Add(5*time.Second), handle.ExpiresAt())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockSecondAcquirerGetsLockHeld(t *testing.T) {
	locker, mock := newTestLocker(t)
	mock.ExpectExec("INSERT INTO locks").
		WithArgs("settle:1", fixedNow, 5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO locks").
		WithArgs("settle:1", fixedNow, 5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, err := locker.Lock(context.Background(), "settle:1", 5*time.Second)
	require.NoError(t, err)

	_, err = locker.Lock(context.Background(), "settle:1", 5*time.Second)
	var acquireErr *AcquireError
	require.ErrorAs(t, err, &acquireErr)
	require.ErrorIs(t, err, ErrLockHeld)
	require.Equal(t, "settle:1", acquireErr.LockID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockSurfacesDatabaseErrorsAsAcquireError(t *testing.T) {
	locker, mock := newTestLocker(t)
	dbErr := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO locks").WillReturnError(dbErr)

	_, err := locker.Lock(context.Background(), "settle:1", time.Second)
	var acquireErr *AcquireError
	require.ErrorAs(t, err, &acquireErr)
	require.ErrorIs(t, err, dbErr)
}

func TestLockRejectsInvalidInput(t *testing.T) {
	locker, _ := newTestLocker(t)

	_, err := locker.Lock(context.Background(), " ", time.Second)
	require.Error(t, err)

	_, err = locker.Lock(context.Background(), "settle:1", 0)
	require.Error(t, err)
}

func TestLockRoundsTTLUpToWholeSeconds(t *testing.T) {
	locker, mock := newTestLocker(t)
	mock.ExpectExec("INSERT INTO locks").
		WithArgs("settle:1", fixedNow, 2, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	handle, err := locker.Lock(context.Background(), "settle:1", 1500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, handle.TTL)
}

func TestUnlockReleasesOwnLock(t *testing.T) {
	locker, mock := newTestLocker(t)
	handle := &Handle{LockID: "settle:1", Token: uuid.New(), AcquiredAt: fixedNow, TTL: 5 * time.Second}
	mock.ExpectExec("SET status = 'OPEN'").
		WithArgs("settle:1", handle.Token).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, locker.Unlock(context.Background(), handle))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnlockAfterTakeoverFailsWithReleaseError(t *testing.T) {
	locker, mock := newTestLocker(t)
	handle := &Handle{LockID: "settle:1", Token: uuid.New(), AcquiredAt: fixedNow, TTL: 5 * time.Second}
	mock.ExpectExec("SET status = 'OPEN'").
		WithArgs("settle:1", handle.Token).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := locker.Unlock(context.Background(), handle)
	var releaseErr *ReleaseError
	require.ErrorAs(t, err, &releaseErr)
	require.ErrorIs(t, err, ErrNotHeld)
}

func TestIsLockedHonoursTTL(t *testing.T) {
	locker, mock := newTestLocker(t)
	holder := uuid.New()
	columns := []string{"status", "lock_timestamp", "ttl_sec", "holder_id"}

	mock.ExpectQuery("SELECT status, lock_timestamp").
		WithArgs("live").
		WillReturnRows(pgxmock.NewRows(columns).AddRow("LOCKED", fixedNow.Add(-2*time.Second), 5, holder.String()))
	mock.ExpectQuery("SELECT status, lock_timestamp").
		WithArgs("expired").
		WillReturnRows(pgxmock.NewRows(columns).AddRow("LOCKED", fixedNow.Add(-5*time.Second), 5, holder.String()))
	mock.ExpectQuery("SELECT status, lock_timestamp").
		WithArgs("released").
		WillReturnRows(pgxmock.NewRows(columns).AddRow("OPEN", fixedNow, 5, holder.String()))
	mock.ExpectQuery("SELECT status, lock_timestamp").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	locked, err := locker.IsLocked(context.Background(), "live")
	require.NoError(t, err)
	require.True(t, locked)

	locked, err = locker.IsLocked(context.Background(), "expired")
	require.NoError(t, err)
	require.False(t, locked)

	locked, err = locker.IsLocked(context.Background(), "released")
	require.NoError(t, err)
	require.False(t, locked)

	locked, err = locker.IsLocked(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, locked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusReportsHolder(t *testing.T) {
	locker, mock := newTestLocker(t)
	holder := uuid.New()
	mock.ExpectQuery("SELECT status, lock_timestamp").
		WithArgs("settle:1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "lock_timestamp", "ttl_sec", "holder_id"}).
			AddRow("LOCKED", fixedNow, 30, holder.String()))

	state, err := locker.Status(context.Background(), "settle:1")
	require.NoError(t, err)
	require.Equal(t, holder, state.HolderID)
	require.Equal(t, 30*time.Second, state.TTL)
	require.True(t, state.Held)
}

func TestRefreshExtendsLease(t *testing.T) {
	locker, mock := newTestLocker(t)
	handle := &Handle{LockID: "settle:1", Token: uuid.New(), AcquiredAt: fixedNow.Add(-3 * time.Second), TTL: 5 * time.Second}
	mock.ExpectExec("SET lock_timestamp").
		WithArgs("settle:1", handle.Token, fixedNow, 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, locker.Refresh(context.Background(), handle, 0))
	require.Equal(t, fixedNow, handle.AcquiredAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshOfLostLeaseFails(t *testing.T) {
	locker, mock := newTestLocker(t)
	handle := &Handle{LockID: "settle:1", Token: uuid.New(), AcquiredAt: fixedNow.Add(-10 * time.Second), TTL: 5 * time.Second}
	mock.ExpectExec("SET lock_timestamp").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := locker.Refresh(context.Background(), handle, 5*time.Second)
	require.ErrorIs(t, err, ErrNotHeld)
}
