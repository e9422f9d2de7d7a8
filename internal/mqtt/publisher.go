package mqtt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vivosun-blebridge/internal/types"
)

const retryInterval = 5 * time.Second

// ReadingPublisher sends one reading to the broker.
type ReadingPublisher interface {
	PublishReading(r types.Reading) error
}

// Lookup returns the current row for an address.
type Lookup interface {
	Get(address string) (types.Reading, bool)
}

// Publisher mirrors table changes to the broker. Changes only mark an address
// dirty; the row published is whatever the table holds at send time, so a
// slow broker never reorders or replays old values.
type Publisher struct {
	pub    ReadingPublisher
	src    Lookup
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	order   []string
	wake    chan struct{}
}

func NewPublisher(pub ReadingPublisher, src Lookup, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		pub:     pub,
		src:     src,
		logger:  logger,
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue marks r's device dirty. It never blocks and is meant to be
// registered as a table change listener.
func (p *Publisher) Enqueue(r types.Reading) {
	p.mark(r.Address)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) mark(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[addr]; ok {
		return
	}
	p.pending[addr] = struct{}{}
	p.order = append(p.order, addr)
}

func (p *Publisher) take() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.order
	p.order = nil
	clear(p.pending)
	return out
}

// Run publishes dirty devices until ctx is done. Failed publishes are retried
// on the next change or retry tick.
func (p *Publisher) Run(ctx context.Context) error {
	retry := time.NewTicker(retryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-retry.C:
		}
		p.flush()
	}
}

func (p *Publisher) flush() {
	for _, addr := range p.take() {
		r, ok := p.src.Get(addr)
		if !ok {
			continue
		}
		if err := p.pub.PublishReading(r); err != nil {
			p.logger.Warn("mqtt publish failed", "addr", addr, "error", err)
			p.mark(addr)
		}
	}
}
