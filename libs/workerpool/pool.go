// Package workerpool provides a bounded-concurrency pool whose capacity can
// be changed while tasks are queued or running.
//
// Admission is strictly FIFO. Shrinking never interrupts admitted tasks; it
// can drive the free permit count negative, in which case nothing new is
// admitted until enough running tasks finish to pay the deficit back.
package workerpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidCapacity = errors.New("capacity must be positive")

type Task func(ctx context.Context) error

type Pool struct {
	name    string
	metrics *Metrics

	mu        sync.Mutex
	capacity  int
	available int
	active    int
	waiters   list.List
}

type Option func(*Pool)

func WithMetrics(m *Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

func New(name string, capacity int, opts ...Option) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool %q: %w", name, ErrInvalidCapacity)
	}
	p := &Pool{
		name:      name,
		capacity:  capacity,
		available: capacity,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics.setCapacity(name, capacity)
	p.metrics.setActive(name, 0)
	p.metrics.setWaiting(name, 0)
	return p, nil
}

func (p *Pool) Name() string { return p.name }

// Spawn waits for admission, runs task and returns its error. If ctx ends
// before admission the task never runs and ctx's error is returned.
func (p *Pool) Spawn(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("pool %q: task is required", p.name)
	}
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()
	return task(ctx)
}

func (p *Pool) acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.available > 0 && p.waiters.Len() == 0 {
		p.admitLocked()
		p.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := p.waiters.PushBack(ready)
	p.metrics.setWaiting(p.name, p.waiters.Len())
	p.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case <-ready:
			// Admitted concurrently with cancellation; hand the permit back.
			p.active--
			p.available++
			p.metrics.setActive(p.name, p.active)
			p.notifyLocked()
		default:
			p.waiters.Remove(elem)
			p.metrics.setWaiting(p.name, p.waiters.Len())
			// Our departure may unblock the waiter behind us.
			p.notifyLocked()
		}
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *Pool) release() {
	p.mu.Lock()
	p.active--
	p.available++
	p.metrics.setActive(p.name, p.active)
	p.notifyLocked()
	p.mu.Unlock()
}

func (p *Pool) admitLocked() {
	p.available--
	p.active++
	p.metrics.setActive(p.name, p.active)
}

// notifyLocked admits waiters from the front of the queue while permits last.
func (p *Pool) notifyLocked() {
	for p.available > 0 {
		front := p.waiters.Front()
		if front == nil {
			break
		}
		p.waiters.Remove(front)
		p.admitLocked()
		close(front.Value.(chan struct{}))
	}
	p.metrics.setWaiting(p.name, p.waiters.Len())
}

// Resize sets a new admission limit. Running tasks are unaffected; growth
// admits the oldest waiters immediately.
func (p *Pool) Resize(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("pool %q: %w", p.name, ErrInvalidCapacity)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.available += capacity - p.capacity
	p.capacity = capacity
	p.metrics.setCapacity(p.name, capacity)
	p.notifyLocked()
	return nil
}

func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}

// Available is the number of free permits; negative after a shrink below the
// number of running tasks.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}
