package ble

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleHex = "19 00 AA BB CC DD EE FF 00 00 40 01 84 03 90 01 00 00 07"

func TestParseCapture(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantAddrs []string
	}{
		{
			name:      "array",
			in:        `[{"address":"aa:bb:cc:dd:ee:01","rssi":-60,"manufacturer_data_hex":"` + sampleHex + `"},{"identifier":"UUID-2","manufacturer_data":"1900"}]`,
			wantAddrs: []string{"aa:bb:cc:dd:ee:01", "UUID-2"},
		},
		{
			name: "ndjson with junk lines",
			in: `{"address":"aa:bb:cc:dd:ee:01","manufacturer_data_hex":"` + sampleHex + `"}
not json
{"address":"aa:bb:cc:dd:ee:02","name":"no data"}

{"address":"aa:bb:cc:dd:ee:03","manufacturer_data_hex":"1900aa"}`,
			wantAddrs: []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:03"},
		},
		{
			name:      "single object",
			in:        `{"address":"aa:bb:cc:dd:ee:04","manufacturer_data_hex":"19"}`,
			wantAddrs: []string{"aa:bb:cc:dd:ee:04"},
		},
		{
			name: "empty",
			in:   "  \n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advs, err := ParseCapture(strings.NewReader(tt.in))
			if err != nil {
				t.Fatalf("ParseCapture error = %v", err)
			}
			if len(advs) != len(tt.wantAddrs) {
				t.Fatalf("got %d advertisements, want %d: %+v", len(advs), len(tt.wantAddrs), advs)
			}
			for i, want := range tt.wantAddrs {
				if advs[i].Address != want {
					t.Errorf("advs[%d].Address = %q, want %q", i, advs[i].Address, want)
				}
			}
		})
	}
}

func TestParseCapture_Fields(t *testing.T) {
	in := `{"identifier":"UUID-9","rssi":-58,"manufacturer_data_hex":"1900ff","timestamp":"2025-11-03T10:04:05.123+0100"}`
	advs, err := ParseCapture(strings.NewReader(in))
	if err != nil || len(advs) != 1 {
		t.Fatalf("ParseCapture = %v, %v", advs, err)
	}
	a := advs[0]
	if a.Name != "UUID-9" || a.Address != "UUID-9" {
		t.Errorf("identity = %q/%q, want identifier fallback", a.Name, a.Address)
	}
	if a.RSSI != -58 {
		t.Errorf("RSSI = %d, want -58", a.RSSI)
	}
	if !bytes.Equal(a.Payload, []byte{0x19, 0x00, 0xFF}) {
		t.Errorf("Payload = % X", a.Payload)
	}
	want := time.Date(2025, 11, 3, 9, 4, 5, 123_000_000, time.UTC)
	if !a.SeenAt.Equal(want) {
		t.Errorf("SeenAt = %v, want %v", a.SeenAt, want)
	}
}

func TestReplay_Run(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.ndjson")
	content := `{"address":"aa:bb:cc:dd:ee:01","manufacturer_data_hex":"` + sampleHex + `","timestamp":"2025-11-03T10:04:05.123+0100"}
{"address":"aa:bb:cc:dd:ee:02","manufacturer_data_hex":"` + sampleHex + `"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	t.Run("replay time", func(t *testing.T) {
		before := time.Now()
		var got []Advertisement
		err := NewReplay(ReplayOptions{Path: path}).Run(context.Background(), func(a Advertisement) {
			got = append(got, a)
		})
		if err != nil {
			t.Fatalf("Run error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("emitted %d, want 2", len(got))
		}
		for _, a := range got {
			if a.SeenAt.Before(before) {
				t.Errorf("SeenAt = %v, want replay time", a.SeenAt)
			}
		}
	})

	t.Run("keep timestamps", func(t *testing.T) {
		var got []Advertisement
		err := NewReplay(ReplayOptions{Path: path, KeepTimestamps: true}).Run(context.Background(), func(a Advertisement) {
			got = append(got, a)
		})
		if err != nil {
			t.Fatalf("Run error = %v", err)
		}
		if got[0].SeenAt.Year() != 2025 {
			t.Errorf("SeenAt = %v, want captured time", got[0].SeenAt)
		}
		if got[1].SeenAt.IsZero() {
			t.Error("missing timestamp should fall back to replay time")
		}
	})

	t.Run("cancelled between events", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		n := 0
		err := NewReplay(ReplayOptions{Path: path, Interval: time.Hour}).Run(ctx, func(Advertisement) {
			n++
			cancel()
		})
		if err != nil {
			t.Fatalf("Run error = %v", err)
		}
		if n != 1 {
			t.Errorf("emitted %d, want 1", n)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		err := NewReplay(ReplayOptions{Path: filepath.Join(t.TempDir(), "nope")}).Run(context.Background(), nil)
		if err == nil {
			t.Fatal("Run error = nil, want open failure")
		}
	})
}
