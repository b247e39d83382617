// Package runtimeconfig applies operator-controlled settings to a running
// process without a redeploy. Today that is worker pool capacity.
package runtimeconfig

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/paycore/libs/workerpool"
)

type Source interface {
	PoolCapacities(ctx context.Context) (map[string]string, error)
}

type Resizer interface {
	Resize(name string, capacity int) error
}

type Poller struct {
	source   Source
	pools    Resizer
	interval time.Duration
	logger   *slog.Logger

	applied map[string]int
}

func NewPoller(source Source, pools Resizer, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{
		source:   source,
		pools:    pools,
		interval: interval,
		logger:   logger,
		applied:  make(map[string]int),
	}
}

// Run applies the source once immediately and then every interval until ctx
// is done. Read failures are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Apply(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("runtime config poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Apply reads desired capacities and resizes pools whose value changed since
// the last successful apply. It returns the names of resized pools.
func (p *Poller) Apply(ctx context.Context) ([]string, error) {
	values, err := p.source.PoolCapacities(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var resized []string
	for _, name := range names {
		raw := values[name]
		capacity, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || capacity <= 0 {
			p.logger.Warn("ignoring invalid pool capacity", "pool", name, "value", raw)
			continue
		}
		if last, ok := p.applied[name]; ok && last == capacity {
			continue
		}
		if err := p.pools.Resize(name, capacity); err != nil {
			if errors.Is(err, workerpool.ErrPoolNotFound) {
				p.logger.Debug("pool capacity for unknown pool", "pool", name)
				continue
			}
			p.logger.Warn("pool resize failed", "pool", name, "capacity", capacity, "error", err)
			continue
		}
		p.applied[name] = capacity
		resized = append(resized, name)
		p.logger.Info("pool resized", "pool", name, "capacity", capacity)
	}
	return resized, nil
}
