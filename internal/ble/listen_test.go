package ble

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestSelectPayload(t *testing.T) {
	tests := []struct {
		name   string
		blocks []mfgBlock
		want   []byte
		ok     bool
	}{
		{name: "none"},
		{
			name:   "configured company wins over longer block",
			blocks: []mfgBlock{{CompanyID: 0x004C, Data: []byte{1, 2, 3, 4}}, {CompanyID: 0x0019, Data: []byte{9}}},
			want:   []byte{0x19, 0x00, 9},
			ok:     true,
		},
		{
			name:   "longest block otherwise, without its company id",
			blocks: []mfgBlock{{CompanyID: 0x0001, Data: []byte{1}}, {CompanyID: 0x0002, Data: []byte{1, 2}}},
			want:   []byte{1, 2},
			ok:     true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := selectPayload(tt.blocks, DefaultCompanyID)
			if ok != tt.ok || !bytes.Equal(got, tt.want) {
				t.Errorf("selectPayload = % X, %v, want % X, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSelectPayload_ForeignBlockIsNotRealigned(t *testing.T) {
	// A 17-byte block under another company id: with a foreign id in front the
	// decoder would read the measurement two bytes early and accept garbage.
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x00,
		0x40, 0x01, 0x84, 0x03, 0x90, 0x01, 0x00, 0x00, 0x07}

	payload, ok := selectPayload([]mfgBlock{{CompanyID: 0x1234, Data: data}}, DefaultCompanyID)
	if !ok {
		t.Fatal("selectPayload found no block")
	}
	_, err := NewDecoder().Decode(payload, "ThermoBeacon", "aa:bb:cc:dd:ee:ff", -60, time.Now())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("Decode error = %v, want %v", err, ErrTruncated)
	}
}

func TestSelectPayload_CopiesFallbackData(t *testing.T) {
	data := []byte{1, 2, 3}
	got, _ := selectPayload([]mfgBlock{{CompanyID: 0x0002, Data: data}}, DefaultCompanyID)
	data[0] = 9
	if got[0] != 1 {
		t.Errorf("payload aliases the scan buffer: % X", got)
	}
}
