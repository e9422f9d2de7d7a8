// Package devices holds the address-keyed table of last known readings.
package devices

import (
	"strings"
	"sync"
	"time"

	"vivosun-blebridge/internal/types"
)

// Outcome describes what an Upsert did.
type Outcome int

const (
	// Unchanged means the candidate matched the stored reading; only liveness was refreshed.
	Unchanged Outcome = iota
	Inserted
	Changed
	// Recovered means a stale row became active again.
	Recovered
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Changed:
		return "changed"
	case Recovered:
		return "recovered"
	default:
		return "unchanged"
	}
}

// Committed reports whether the stored reading was replaced.
func (o Outcome) Committed() bool { return o != Unchanged }

type row struct {
	reading  types.Reading
	lastSeen time.Time
}

// Table is safe for concurrent use. Every read and write goes through one mutex;
// change listeners run after it is released.
type Table struct {
	mu        sync.Mutex
	now       func() time.Time
	rows      map[string]*row
	order     []string
	listeners []func(types.Reading)
}

type Option func(*Table)

// WithClock sets the wall clock used to stamp upserts.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

func New(opts ...Option) *Table {
	t := &Table{
		now:  time.Now,
		rows: make(map[string]*row),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnChange registers fn to be called with every committed reading, including
// staleness transitions. Register listeners before the table is shared.
func (t *Table) OnChange(fn func(types.Reading)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func key(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// Upsert stores r for its address unless it carries the same measurement and
// status as the stored reading. Liveness is refreshed either way.
func (t *Table) Upsert(r types.Reading) Outcome {
	k := key(r.Address)
	r.Address = k

	t.mu.Lock()
	now := t.now()
	cur, ok := t.rows[k]
	var out Outcome
	switch {
	case !ok:
		t.rows[k] = &row{reading: r, lastSeen: now}
		t.order = append(t.order, k)
		out = Inserted
	case cur.reading.SameMeasurement(r):
		cur.lastSeen = now
		out = Unchanged
	default:
		if cur.reading.Status == types.StatusStale && r.Status == types.StatusActive {
			out = Recovered
		} else {
			out = Changed
		}
		cur.reading = r
		cur.lastSeen = now
	}
	listeners := t.listeners
	t.mu.Unlock()

	if out.Committed() {
		notify(listeners, r)
	}
	return out
}

func (t *Table) Get(address string) (types.Reading, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.rows[key(address)]
	if !ok {
		return types.Reading{}, false
	}
	return cur.reading, true
}

// Values returns a copy of every row in insertion order.
func (t *Table) Values() []types.Reading {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Reading, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.rows[k].reading)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Touch sets the liveness time of a known address. It reports false for unknown addresses.
func (t *Table) Touch(address string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.rows[key(address)]
	if !ok {
		return false
	}
	cur.lastSeen = at
	return true
}

// LastSeen returns the wall-clock time of the last upsert for address.
func (t *Table) LastSeen(address string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.rows[key(address)]
	if !ok {
		return time.Time{}, false
	}
	return cur.lastSeen, true
}

// ExpireStale demotes every active row not upserted for longer than timeout and
// returns the demoted readings. Rows already stale are left alone.
func (t *Table) ExpireStale(now time.Time, timeout time.Duration) []types.Reading {
	t.mu.Lock()
	var expired []types.Reading
	for _, k := range t.order {
		cur := t.rows[k]
		if cur.reading.Status != types.StatusActive {
			continue
		}
		if now.Sub(cur.lastSeen) <= timeout {
			continue
		}
		cur.reading = cur.reading.Stale()
		expired = append(expired, cur.reading)
	}
	listeners := t.listeners
	t.mu.Unlock()

	for _, r := range expired {
		notify(listeners, r)
	}
	return expired
}

// Restore seeds rows for addresses not yet present, demoted to stale. It is
// meant for devices remembered from a previous run.
func (t *Table) Restore(readings []types.Reading) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range readings {
		k := key(r.Address)
		if k == "" {
			continue
		}
		if _, ok := t.rows[k]; ok {
			continue
		}
		r.Address = k
		t.rows[k] = &row{reading: r.Stale(), lastSeen: r.CapturedAt}
		t.order = append(t.order, k)
		n++
	}
	return n
}

func notify(listeners []func(types.Reading), r types.Reading) {
	for _, fn := range listeners {
		fn(r)
	}
}
