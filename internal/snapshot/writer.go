// Package snapshot persists the device table as a JSON array that readers may
// open at any moment.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/time/rate"

	"vivosun-blebridge/internal/metrics"
	"vivosun-blebridge/internal/types"
)

const (
	DefaultMinInterval      = 100 * time.Millisecond
	DefaultFallbackInterval = 1500 * time.Millisecond

	sinkTimeout = 5 * time.Second
)

var (
	ErrSerialization = errors.New("snapshot serialization failed")
	ErrPersistence   = errors.New("snapshot persistence failed")
)

// Encode renders readings as a JSON array; no readings encode as [].
func Encode(readings []types.Reading) ([]byte, error) {
	if readings == nil {
		readings = []types.Reading{}
	}
	data, err := json.MarshalIndent(readings, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return append(data, '\n'), nil
}

// WriteFile replaces path with the encoded readings. The data goes to a
// temporary file in the same directory which is synced and renamed over path,
// so path always holds either the previous or the new complete array.
func WriteFile(path string, readings []types.Reading) error {
	data, err := Encode(readings)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", ErrPersistence, dir, err)
	}
	if err := renameio.WriteFile(path, data, 0o644, renameio.WithTempDir(dir)); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// Source provides the rows to persist.
type Source interface {
	Values() []types.Reading
}

// Sink receives every successfully written snapshot.
type Sink interface {
	Name() string
	Save(ctx context.Context, readings []types.Reading) error
}

type Options struct {
	Path             string
	MinInterval      time.Duration
	FallbackInterval time.Duration
	Sinks            []Sink
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Writer owns the snapshot file. Change notifications are coalesced and
// flushed at most once per MinInterval; a fallback ticker flushes every
// FallbackInterval regardless.
type Writer struct {
	src     Source
	opts    Options
	notify  chan struct{}
	limiter *rate.Limiter

	flushMu sync.Mutex
}

func New(src Source, opts Options) *Writer {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = DefaultFallbackInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Writer{
		src:     src,
		opts:    opts,
		notify:  make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
	}
}

// Notify schedules a flush. It never blocks.
func (w *Writer) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Writer) Path() string { return w.opts.Path }

// Flush copies the source, writes the file and hands the rows to the sinks.
// Sink failures are logged and do not fail the flush.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	readings := w.src.Values()
	if err := WriteFile(w.opts.Path, readings); err != nil {
		w.opts.Metrics.SnapshotFailed()
		return err
	}
	w.opts.Metrics.SnapshotWritten(len(readings))
	w.opts.Logger.Debug("snapshot written", "path", w.opts.Path, "devices", len(readings))

	for _, s := range w.opts.Sinks {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := s.Save(sctx, readings)
		cancel()
		if err != nil {
			w.opts.Logger.Warn("snapshot sink failed", "sink", s.Name(), "error", err)
		}
	}
	return nil
}

// Run writes an initial snapshot, then serves notifications and the fallback
// ticker until ctx is done, and finishes with one last flush.
func (w *Writer) Run(ctx context.Context) error {
	w.opts.Logger.Info("snapshot writer started",
		"path", w.opts.Path,
		"min_interval", w.opts.MinInterval,
		"fallback_interval", w.opts.FallbackInterval,
	)
	w.flushLogged(ctx)

	fallback := time.NewTicker(w.opts.FallbackInterval)
	defer fallback.Stop()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			// ctx is already cancelled; sinks still get their own deadline.
			w.flushLogged(context.WithoutCancel(ctx))
			w.opts.Logger.Info("snapshot writer stopped", "path", w.opts.Path)
			return nil

		case <-w.notify:
			if pending != nil {
				continue
			}
			delay := w.limiter.Reserve().Delay()
			if delay <= 0 {
				w.flushLogged(ctx)
				continue
			}
			timer = time.NewTimer(delay)
			pending = timer.C

		case <-pending:
			pending = nil
			timer = nil
			w.flushLogged(ctx)

		case <-fallback.C:
			w.flushLogged(ctx)
		}
	}
}

// flushLogged flushes and logs failures; the next trigger retries.
func (w *Writer) flushLogged(ctx context.Context) {
	if err := w.Flush(ctx); err != nil {
		w.opts.Logger.Error("snapshot flush failed", "path", w.opts.Path, "error", err)
	}
}
