package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func isBusy(err error) bool { return errors.Is(err, errBusy) }

func TestDoSucceedsAfterRetries(t *testing.T) {
	var retried []int
	p := Policy{MaxAttempts: 5, Backoff: time.Millisecond, OnRetry: func(attempt int, _ error) {
		retried = append(retried, attempt)
	}}

	calls := 0
	err := Do(context.Background(), p, isBusy, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errBusy
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, retried)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("invalid state")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5}, isBusy, func(context.Context, int) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)

	var exhausted *ExhaustedError
	require.False(t, errors.As(err, &exhausted))
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, Backoff: time.Millisecond}, isBusy, func(context.Context, int) error {
		calls++
		return errBusy
	})
	require.Equal(t, 5, calls)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Equal(t, 5, exhausted.Attempts)
	require.ErrorIs(t, err, errBusy)
}

func TestDoHonoursContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, Backoff: time.Hour}, isBusy, func(context.Context, int) error {
		calls++
		cancel()
		return errBusy
	})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, errBusy)
	require.Equal(t, 1, calls)
}

func TestDoNotifiesBetweenAttemptsOnly(t *testing.T) {
	var retried []int
	p := Policy{MaxAttempts: 3, OnRetry: func(attempt int, err error) {
		require.ErrorIs(t, err, errBusy)
		retried = append(retried, attempt)
	}}
	err := Do(context.Background(), p, isBusy, func(context.Context, int) error {
		return errBusy
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, []int{1, 2}, retried)
}

func TestDoDefaultsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, isBusy, func(context.Context, int) error {
		calls++
		return errBusy
	})
	require.Error(t, err)
	require.Equal(t, DefaultMaxAttempts, calls)
}

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	require.Equal(t, 5, p.MaxAttempts)
	require.Equal(t, 300*time.Millisecond, p.Backoff)
}
