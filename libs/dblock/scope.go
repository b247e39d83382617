package dblock

import (
	"context"
	"errors"
	"time"
)

type Option func(*scopeOptions)

type scopeOptions struct {
	heartbeat time.Duration
}

// WithHeartbeat renews the lease every interval while the body runs. If the
// lease cannot be renewed because another holder took it, the body's context
// is cancelled with a cause wrapping ErrNotHeld.
func WithHeartbeat(every time.Duration) Option {
	return func(o *scopeOptions) {
		o.heartbeat = every
	}
}

// WithLock runs fn while holding lockID. The lock is released on every exit
// path, panics included. Acquire failures are returned without calling fn;
// a release failure is joined with fn's error.
func (l *Locker) WithLock(ctx context.Context, lockID string, ttl time.Duration, fn func(ctx context.Context) error, opts ...Option) (err error) {
	var o scopeOptions
	for _, opt := range opts {
		opt(&o)
	}

	handle, err := l.Lock(ctx, lockID, ttl)
	if err != nil {
		return err
	}

	bodyCtx, cancel := context.WithCancelCause(ctx)
	stopped := make(chan struct{})
	if o.heartbeat > 0 {
		go func() {
			defer close(stopped)
			l.keepAlive(bodyCtx, handle, ttl, o.heartbeat, cancel)
		}()
	} else {
		close(stopped)
	}

	defer func() {
		cancel(nil)
		<-stopped

		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer releaseCancel()
		if releaseErr := l.Unlock(releaseCtx, handle); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()

	return fn(bodyCtx)
}

func (l *Locker) keepAlive(ctx context.Context, handle *Handle, ttl, every time.Duration, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := l.Refresh(ctx, handle, ttl)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotHeld):
			l.logger.Error("lock lost during heartbeat", "lock_id", handle.LockID, "holder_id", handle.Token.String())
			cancel(err)
			return
		case ctx.Err() != nil:
			return
		default:
			l.logger.Warn("lock heartbeat failed", "lock_id", handle.LockID, "error", err)
		}
	}
}
