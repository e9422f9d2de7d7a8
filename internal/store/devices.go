package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"vivosun-blebridge/internal/types"
)

//go:embed sql/upsert-device.sql
var upsertDeviceSQL string

//go:embed sql/get-devices.sql
var getDevicesSQL string

// DeviceStore keeps the last known row of every device in SQLite so a restart
// can list devices before they are heard again. It is a snapshot sink.
type DeviceStore struct {
	db *sql.DB
}

func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

func (s *DeviceStore) Name() string { return "sqlite" }

// Save upserts readings in one transaction.
func (s *DeviceStore) Save(ctx context.Context, readings []types.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertDeviceSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			slog.Error("close upsert statement", "error", err)
		}
	}()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx,
			r.Address, r.Name, string(r.Kind), r.RSSI,
			r.TemperatureInterior, r.HumidityInterior, r.TemperatureExterior, r.HumidityExterior,
			int(r.PacketCounter), r.ExtPresent, string(r.Status),
			r.CapturedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("upsert %s: %w", r.Address, err)
		}
	}
	return tx.Commit()
}

// Load returns every stored row ordered by address.
func (s *DeviceStore) Load(ctx context.Context) ([]types.Reading, error) {
	rows, err := s.db.QueryContext(ctx, getDevicesSQL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close devices rows", "error", err)
		}
	}()

	var out []types.Reading
	for rows.Next() {
		var (
			r           types.Reading
			kind, state string
			pkt         int
			capturedAt  string
		)
		if err := rows.Scan(
			&r.Address, &r.Name, &kind, &r.RSSI,
			&r.TemperatureInterior, &r.HumidityInterior, &r.TemperatureExterior, &r.HumidityExterior,
			&pkt, &r.ExtPresent, &state, &capturedAt,
		); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, capturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse captured_at %q for %s: %w", capturedAt, r.Address, err)
		}
		r.Kind = types.Kind(kind)
		r.Status = types.Status(state)
		r.PacketCounter = uint8(pkt)
		r.CapturedAt = t
		out = append(out, r)
	}
	return out, rows.Err()
}
