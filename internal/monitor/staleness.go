// Package monitor demotes devices that stopped advertising.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"vivosun-blebridge/internal/devices"
	"vivosun-blebridge/internal/metrics"
	"vivosun-blebridge/internal/types"
)

const (
	DefaultTimeout  = 15 * time.Second
	DefaultInterval = 2 * time.Second
)

// Notifier is told when a sweep changed the table.
type Notifier interface {
	Notify()
}

type Options struct {
	Timeout  time.Duration
	Interval time.Duration
	Clock    func() time.Time
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Monitor polls the table because silence produces no event to react to.
type Monitor struct {
	table *devices.Table
	opts  Options

	// demoted tracks addresses this monitor made stale, to report their recovery.
	demoted map[string]time.Time
}

func New(table *devices.Table, opts Options) *Monitor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		table:   table,
		opts:    opts,
		demoted: make(map[string]time.Time),
	}
}

// Sweep demotes rows older than the timeout and returns them. It is not safe
// for concurrent use with itself; Run calls it from a single goroutine.
func (m *Monitor) Sweep(now time.Time) []types.Reading {
	recovered := 0
	for addr, since := range m.demoted {
		r, ok := m.table.Get(addr)
		if !ok || r.Status != types.StatusActive {
			continue
		}
		delete(m.demoted, addr)
		recovered++
		m.opts.Logger.Info("device recovered",
			"addr", addr,
			"name", r.Name,
			"down_for", now.Sub(since).Round(time.Millisecond),
		)
	}

	expired := m.table.ExpireStale(now, m.opts.Timeout)
	for _, r := range expired {
		m.demoted[r.Address] = now
		m.opts.Logger.Info("device stale",
			"addr", r.Address,
			"name", r.Name,
			"timeout", m.opts.Timeout,
		)
	}
	m.opts.Metrics.StaleTransitions(len(expired))

	if (len(expired) > 0 || recovered > 0) && m.opts.Notifier != nil {
		m.opts.Notifier.Notify()
	}
	return expired
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.opts.Logger.Info("staleness monitor started",
		"timeout", m.opts.Timeout,
		"interval", m.opts.Interval,
	)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.opts.Logger.Info("staleness monitor stopped")
			return nil
		case <-ticker.C:
			m.Sweep(m.opts.Clock())
		}
	}
}
