package ble

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"vivosun-blebridge/internal/types"
	"vivosun-blebridge/internal/utils"
)

// replayEntry is one captured advertisement as written by scanning tools.
type replayEntry struct {
	Address             string `json:"address"`
	Identifier          string `json:"identifier"`
	Name                string `json:"name"`
	RSSI                int    `json:"rssi"`
	ManufacturerDataHex string `json:"manufacturer_data_hex"`
	ManufacturerData    string `json:"manufacturer_data"`
	Timestamp           string `json:"timestamp"`
}

func (e replayEntry) advertisement() (Advertisement, bool) {
	hexv := e.ManufacturerDataHex
	if hexv == "" {
		hexv = e.ManufacturerData
	}
	if hexv == "" {
		return Advertisement{}, false
	}
	addr := e.Address
	if addr == "" {
		addr = e.Identifier
	}
	name := e.Name
	if name == "" {
		name = e.Identifier
	}
	a := Advertisement{
		Address: addr,
		Name:    name,
		RSSI:    e.RSSI,
		Payload: utils.HexToBytes(hexv),
	}
	if e.Timestamp != "" {
		if t, err := parseTimestamp(e.Timestamp); err == nil {
			a.SeenAt = t
		}
	}
	return a, true
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(types.TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ParseCapture reads a capture as a JSON array, a single object or one JSON
// object per line. Unparseable lines and entries without manufacturer data
// are skipped.
func ParseCapture(r io.Reader) ([]Advertisement, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	var entries []replayEntry
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &entries); err == nil {
			return collect(entries), nil
		}
	case '{':
		var one replayEntry
		if err := json.Unmarshal(raw, &one); err == nil {
			return collect([]replayEntry{one}), nil
		}
	}

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e replayEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan capture: %w", err)
	}
	return collect(entries), nil
}

func collect(entries []replayEntry) []Advertisement {
	out := make([]Advertisement, 0, len(entries))
	for _, e := range entries {
		if a, ok := e.advertisement(); ok {
			out = append(out, a)
		}
	}
	return out
}

type ReplayOptions struct {
	Path string
	// Interval is the pause between advertisements; zero replays as fast as possible.
	Interval time.Duration
	// KeepTimestamps emits captured timestamps instead of the replay time.
	KeepTimestamps bool
	Logger         *slog.Logger
}

// Replay feeds a capture file through the same path as live scanning.
type Replay struct {
	opts ReplayOptions
}

func NewReplay(opts ReplayOptions) *Replay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Replay{opts: opts}
}

// Run emits every captured advertisement once, then returns.
func (r *Replay) Run(ctx context.Context, onAdv func(Advertisement)) error {
	f, err := os.Open(r.opts.Path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	advs, err := ParseCapture(f)
	if err != nil {
		return err
	}
	r.opts.Logger.Info("replay: started", "path", r.opts.Path, "advertisements", len(advs), "interval", r.opts.Interval)

	var tick <-chan time.Time
	if r.opts.Interval > 0 {
		t := time.NewTicker(r.opts.Interval)
		defer t.Stop()
		tick = t.C
	}

	for i, a := range advs {
		if ctx.Err() != nil {
			return nil
		}
		if i > 0 && tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		}
		if !r.opts.KeepTimestamps || a.SeenAt.IsZero() {
			a.SeenAt = time.Now()
		}
		if onAdv != nil {
			onAdv(a)
		}
	}
	r.opts.Logger.Info("replay: finished", "path", r.opts.Path, "advertisements", len(advs))
	return nil
}
