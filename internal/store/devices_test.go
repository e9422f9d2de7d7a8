package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vivosun-blebridge/internal/devices"
	"vivosun-blebridge/internal/migrate"
	"vivosun-blebridge/internal/types"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
	})
	if err := migrate.Run(context.Background(), db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func row(addr string, temp float64, pkt uint8, at time.Time) types.Reading {
	return types.Reading{
		Address:             addr,
		Name:                "VSCTLE",
		Kind:                types.KindController,
		RSSI:                -61,
		TemperatureInterior: temp,
		HumidityInterior:    48.5,
		TemperatureExterior: 19.25,
		HumidityExterior:    60,
		PacketCounter:       pkt,
		ExtPresent:          true,
		Status:              types.StatusActive,
		CapturedAt:          at,
	}
}

func TestDeviceStore_SaveAndLoad(t *testing.T) {
	s := NewDeviceStore(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2025, 11, 3, 10, 4, 5, 123_000_000, time.UTC)

	if err := s.Save(ctx, nil); err != nil {
		t.Fatalf("Save(nil): %v", err)
	}
	if err := s.Save(ctx, []types.Reading{
		row("AA:BB:CC:DD:EE:02", 21, 5, at),
		row("AA:BB:CC:DD:EE:01", 20, 4, at),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Second save overwrites one row.
	if err := s.Save(ctx, []types.Reading{row("AA:BB:CC:DD:EE:01", 23.5, 6, at.Add(time.Second)).Stale()}); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Load returned %d rows, want 2", len(got))
	}
	if got[0].Address != "AA:BB:CC:DD:EE:01" || got[0].Status != types.StatusStale || got[0].TemperatureInterior != types.Sentinel {
		t.Errorf("row 0 = %+v, want stale AA:..:01", got[0])
	}
	want := row("AA:BB:CC:DD:EE:02", 21, 5, at)
	if !got[1].SameMeasurement(want) || got[1].Kind != want.Kind || got[1].RSSI != want.RSSI || !got[1].CapturedAt.Equal(at) {
		t.Errorf("row 1 = %+v, want %+v", got[1], want)
	}
}

func TestDeviceStore_RestoresIntoTable(t *testing.T) {
	s := NewDeviceStore(setupTestDB(t))
	ctx := context.Background()
	at := time.Now().Add(-time.Hour)
	if err := s.Save(ctx, []types.Reading{row("AA:BB:CC:DD:EE:09", 20, 1, at)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tbl := devices.New()
	if n := tbl.Restore(loaded); n != 1 {
		t.Fatalf("Restore = %d, want 1", n)
	}
	r, ok := tbl.Get("AA:BB:CC:DD:EE:09")
	if !ok || r.Status != types.StatusStale {
		t.Errorf("restored row = %+v, %v, want stale", r, ok)
	}
}

func TestDeviceStore_Name(t *testing.T) {
	if got := NewDeviceStore(nil).Name(); got != "sqlite" {
		t.Errorf("Name = %q, want sqlite", got)
	}
}
