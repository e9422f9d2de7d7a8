package ble

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"tinygo.org/x/bluetooth"

	"vivosun-blebridge/internal/utils"
)

const DefaultRSSIMin = -95

type ListenOptions struct {
	Adapter   string // "hci0" by default
	RSSIMin   int
	CompanyID uint16
	Logger    *slog.Logger
}

// Listener wraps BlueZ scanning with context cancellation.
type Listener struct {
	adapter *bluetooth.Adapter
	opts    ListenOptions
}

func NewListener(opts ListenOptions) *Listener {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.RSSIMin == 0 {
		opts.RSSIMin = DefaultRSSIMin
	}
	if opts.CompanyID == 0 {
		opts.CompanyID = DefaultCompanyID
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Listener{
		adapter: bluetooth.NewAdapter(opts.Adapter),
		opts:    opts,
	}
}

// Run scans until ctx is done, handing every advertisement that carries
// manufacturer data and is loud enough to onAdv. onAdv runs on the scan
// callback; while it blocks, the adapter holds further results back.
func (l *Listener) Run(ctx context.Context, onAdv func(Advertisement)) error {
	log := l.opts.Logger
	log.Info("ble: enabling adapter", "adapter", l.opts.Adapter)
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("ble enable (%s): %w", l.opts.Adapter, err)
	}

	go func() {
		<-ctx.Done()
		_ = l.adapter.StopScan()
	}()

	log.Info("ble: scanning started",
		"adapter", l.opts.Adapter,
		"rssi_min", l.opts.RSSIMin,
		"company", "0x"+utils.Hex4(l.opts.CompanyID),
	)

	// adapter.Scan blocks until StopScan() or error.
	err := l.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		if int(r.RSSI) < l.opts.RSSIMin {
			return
		}
		elems := r.ManufacturerData()
		blocks := make([]mfgBlock, 0, len(elems))
		for _, md := range elems {
			blocks = append(blocks, mfgBlock{CompanyID: md.CompanyID, Data: md.Data})
		}
		payload, ok := selectPayload(blocks, l.opts.CompanyID)
		if !ok {
			return
		}
		if onAdv != nil {
			onAdv(Advertisement{
				Address: r.Address.String(),
				Name:    r.LocalName(),
				RSSI:    int(r.RSSI),
				Payload: payload,
				SeenAt:  time.Now(),
			})
		}
	})

	// If ctx canceled, treat as clean shutdown.
	if ctx.Err() != nil {
		log.Info("ble: scanning stopped (context canceled)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ble scan: %w", err)
	}
	log.Info("ble: scanning stopped")
	return nil
}

type mfgBlock struct {
	CompanyID uint16
	Data      []byte
}

// selectPayload picks the block for companyID and returns it with the id in
// front. Without a match it returns the longest block's bare data, which the
// decoder prefixes with its own company id.
func selectPayload(blocks []mfgBlock, companyID uint16) ([]byte, bool) {
	if len(blocks) == 0 {
		return nil, false
	}
	longest := 0
	for i, b := range blocks {
		if b.CompanyID == companyID {
			out := make([]byte, 2, 2+len(b.Data))
			binary.LittleEndian.PutUint16(out, b.CompanyID)
			return append(out, b.Data...), true
		}
		if len(b.Data) > len(blocks[longest].Data) {
			longest = i
		}
	}
	return append([]byte(nil), blocks[longest].Data...), true
}
