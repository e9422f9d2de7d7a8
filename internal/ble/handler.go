package ble

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"vivosun-blebridge/internal/devices"
	"vivosun-blebridge/internal/metrics"
	"vivosun-blebridge/internal/utils"
)

// Advertisement is one received broadcast carrying manufacturer data.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int
	Payload []byte
	SeenAt  time.Time
}

// ErrFiltered is returned by Handle for addresses outside the allow-list.
var ErrFiltered = errors.New("address not in allow-list")

type IngestOptions struct {
	// AllowList restricts ingestion to these addresses (case-insensitive). Empty allows all.
	AllowList []string
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Ingestor decodes advertisements and commits valid readings to the table.
type Ingestor struct {
	decoder *Decoder
	table   *devices.Table
	allow   map[string]struct{}
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewIngestor(decoder *Decoder, table *devices.Table, opts IngestOptions) *Ingestor {
	h := &Ingestor{
		decoder: decoder,
		table:   table,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	for _, a := range opts.AllowList {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if h.allow == nil {
			h.allow = make(map[string]struct{})
		}
		h.allow[a] = struct{}{}
	}
	return h
}

// Handle processes one advertisement. Decode failures are returned for the
// caller's information only; they never affect the table. Safe for concurrent use.
func (h *Ingestor) Handle(a Advertisement) (devices.Outcome, error) {
	h.metrics.Received()

	if h.allow != nil {
		if _, ok := h.allow[strings.ToUpper(strings.TrimSpace(a.Address))]; !ok {
			h.metrics.Filtered()
			return devices.Unchanged, ErrFiltered
		}
	}

	seenAt := a.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	r, err := h.decoder.Decode(a.Payload, a.Name, a.Address, a.RSSI, seenAt)
	if err != nil {
		h.metrics.Rejected(rejectReason(err))
		h.logger.Debug("ble: ignore payload",
			"addr", a.Address,
			"name", a.Name,
			"error", err,
			"data", utils.BytesToHex(a.Payload),
		)
		return devices.Unchanged, err
	}

	out := h.table.Upsert(r)
	h.metrics.Upserted(out.String())
	if out.Committed() {
		h.logger.Debug("ble: reading committed",
			"addr", r.Address,
			"name", r.Name,
			"type", r.Kind,
			"outcome", out.String(),
			"rssi", r.RSSI,
			"Ti", r.TemperatureInterior, "Hi", r.HumidityInterior,
			"Te", r.TemperatureExterior, "He", r.HumidityExterior,
			"ext_present", r.ExtPresent,
			"pkt", r.PacketCounter,
		)
	}
	return out, nil
}

// Run handles events until ctx is done or events is closed. The event being
// handled when ctx is cancelled is completed first.
func (h *Ingestor) Run(ctx context.Context, events <-chan Advertisement) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-events:
			if !ok {
				return nil
			}
			_, _ = h.Handle(a)
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrUnrecognizedFormat):
		return "unrecognized_format"
	case errors.Is(err, ErrImplausible):
		return "implausible"
	default:
		return "other"
	}
}
