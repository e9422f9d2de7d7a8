package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sentinel is written into measurement fields that carry no value: a disconnected
// exterior probe, or every field of a stale device.
const Sentinel = -99.0

// TimestampLayout is ISO-8601 with milliseconds and a numeric zone offset.
const TimestampLayout = "2006-01-02T15:04:05.000-0700"

type Kind string

const (
	KindSensor     Kind = "sensor"
	KindController Kind = "controller"
	KindUnknown    Kind = "unknown"
)

type Status string

const (
	StatusActive Status = "active"
	StatusStale  Status = "stale"
)

// Reading is the last decoded measurement of one device.
type Reading struct {
	Address             string
	Name                string
	Kind                Kind
	RSSI                int
	TemperatureInterior float64
	HumidityInterior    float64
	TemperatureExterior float64
	HumidityExterior    float64
	PacketCounter       uint8
	ExtPresent          bool
	Status              Status
	CapturedAt          time.Time
}

// SameMeasurement reports whether r and o carry the same measurement and status
// fields. Identity, signal strength and capture time are ignored.
func (r Reading) SameMeasurement(o Reading) bool {
	return r.TemperatureInterior == o.TemperatureInterior &&
		r.HumidityInterior == o.HumidityInterior &&
		r.TemperatureExterior == o.TemperatureExterior &&
		r.HumidityExterior == o.HumidityExterior &&
		r.PacketCounter == o.PacketCounter &&
		r.ExtPresent == o.ExtPresent &&
		r.Status == o.Status
}

// Stale returns a copy of r demoted to stale with every measurement set to the sentinel.
func (r Reading) Stale() Reading {
	r.Status = StatusStale
	r.TemperatureInterior = Sentinel
	r.HumidityInterior = Sentinel
	r.TemperatureExterior = Sentinel
	r.HumidityExterior = Sentinel
	r.ExtPresent = false
	return r
}

type readingJSON struct {
	Timestamp           string  `json:"timestamp"`
	Name                string  `json:"name"`
	Address             string  `json:"address"`
	RSSI                int     `json:"rssi"`
	Type                Kind    `json:"type"`
	TemperatureInterior float64 `json:"temperature_int"`
	HumidityInterior    float64 `json:"humidity_int"`
	TemperatureExterior float64 `json:"temperature_ext"`
	HumidityExterior    float64 `json:"humidity_ext"`
	ExtPresent          bool    `json:"ext_present"`
	PacketCounter       uint8   `json:"packet_counter"`
	Status              Status  `json:"status"`
}

func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(readingJSON{
		Timestamp:           r.CapturedAt.Format(TimestampLayout),
		Name:                r.Name,
		Address:             r.Address,
		RSSI:                r.RSSI,
		Type:                r.Kind,
		TemperatureInterior: r.TemperatureInterior,
		HumidityInterior:    r.HumidityInterior,
		TemperatureExterior: r.TemperatureExterior,
		HumidityExterior:    r.HumidityExterior,
		ExtPresent:          r.ExtPresent,
		PacketCounter:       r.PacketCounter,
		Status:              r.Status,
	})
}

func (r *Reading) UnmarshalJSON(b []byte) error {
	var v readingJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	var at time.Time
	if v.Timestamp != "" {
		t, err := time.Parse(TimestampLayout, v.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", v.Timestamp, err)
		}
		at = t
	}
	*r = Reading{
		Address:             v.Address,
		Name:                v.Name,
		Kind:                v.Type,
		RSSI:                v.RSSI,
		TemperatureInterior: v.TemperatureInterior,
		HumidityInterior:    v.HumidityInterior,
		TemperatureExterior: v.TemperatureExterior,
		HumidityExterior:    v.HumidityExterior,
		PacketCounter:       v.PacketCounter,
		ExtPresent:          v.ExtPresent,
		Status:              v.Status,
		CapturedAt:          at,
	}
	return nil
}
