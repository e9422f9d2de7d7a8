package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"APP_ENV", "LOG_LEVEL", "SOURCE", "BLE_ADAPTER", "BLE_RSSI_MIN", "REPLAY_PATH",
	"REPLAY_INTERVAL", "REPLAY_KEEP_TIMESTAMPS", "ACTIVE_MAC", "EVENT_BUFFER", "COMPANY_ID", "DECODER_OFFSETS",
	"KIND_VOCABULARY", "SNAPSHOT_PATH", "SNAPSHOT_MIN_INTERVAL", "SNAPSHOT_FALLBACK_INTERVAL",
	"STALE_TIMEOUT", "STALE_POLL_INTERVAL", "HTTP_ADDR", "MQTT_BROKER", "MQTT_PORT",
	"MQTT_CLIENT_ID", "MQTT_TOPIC_PREFIX", "SQLITE_PATH",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}

	if got.AppEnv != "dev" {
		t.Errorf("AppEnv = %q, want %q", got.AppEnv, "dev")
	}
	if got.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", got.LogLevel, slog.LevelInfo)
	}
	if got.Source != SourceBLE || got.BLEAdapter != "hci0" || got.BLERSSIMin != -95 {
		t.Errorf("source = %q/%q/%d, want ble/hci0/-95", got.Source, got.BLEAdapter, got.BLERSSIMin)
	}
	if got.CompanyID != 0x0019 {
		t.Errorf("CompanyID = %#04x, want 0x0019", got.CompanyID)
	}
	if got.Layouts != nil || got.Vocabulary != nil {
		t.Errorf("Layouts/Vocabulary = %v/%v, want decoder defaults", got.Layouts, got.Vocabulary)
	}
	if got.SnapshotPath != "ble_scan.json" {
		t.Errorf("SnapshotPath = %q, want ble_scan.json", got.SnapshotPath)
	}
	if got.SnapshotMinInterval != 100*time.Millisecond || got.SnapshotFallbackInterval != 1500*time.Millisecond {
		t.Errorf("snapshot intervals = %v/%v, want 100ms/1.5s", got.SnapshotMinInterval, got.SnapshotFallbackInterval)
	}
	if got.StaleTimeout != 15*time.Second || got.StalePollInterval != 2*time.Second {
		t.Errorf("stale = %v/%v, want 15s/2s", got.StaleTimeout, got.StalePollInterval)
	}
	if got.EventBuffer != 1024 {
		t.Errorf("EventBuffer = %d, want 1024", got.EventBuffer)
	}
	if got.HTTPAddr != "" || got.MQTTBroker != "" || got.SQLitePath != "" {
		t.Errorf("optional outputs should be disabled by default: %+v", got)
	}
	if got.MQTTPort != 1883 || got.MQTTTopicPrefix != "blebridge" {
		t.Errorf("mqtt = %d/%q, want 1883/blebridge", got.MQTTPort, got.MQTTTopicPrefix)
	}
	if !strings.HasPrefix(got.MQTTClientID, "blebridge-") {
		t.Errorf("MQTTClientID = %q, want blebridge- prefix", got.MQTTClientID)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOURCE", "Replay")
	t.Setenv("REPLAY_PATH", "capture.ndjson")
	t.Setenv("REPLAY_INTERVAL", "50ms")
	t.Setenv("REPLAY_KEEP_TIMESTAMPS", "true")
	t.Setenv("ACTIVE_MAC", "aa:bb:cc:dd:ee:01, aa:bb:cc:dd:ee:02")
	t.Setenv("COMPANY_ID", "25")
	t.Setenv("DECODER_OFFSETS", "10")
	t.Setenv("KIND_VOCABULARY", "beacon=sensor")
	t.Setenv("MQTT_TOPIC_PREFIX", "/home/ble/")
	t.Setenv("MQTT_CLIENT_ID", "bridge-1")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}
	if got.Source != SourceReplay || got.ReplayPath != "capture.ndjson" || got.ReplayInterval != 50*time.Millisecond {
		t.Errorf("replay = %q/%q/%v", got.Source, got.ReplayPath, got.ReplayInterval)
	}
	if !got.ReplayKeepTimestamps {
		t.Error("ReplayKeepTimestamps = false, want true")
	}
	if len(got.ActiveMACs) != 2 || got.ActiveMACs[1] != "AA:BB:CC:DD:EE:02" {
		t.Errorf("ActiveMACs = %v", got.ActiveMACs)
	}
	if got.CompanyID != 25 {
		t.Errorf("CompanyID = %d, want 25", got.CompanyID)
	}
	if len(got.Layouts) != 1 || got.Layouts[0].Offset != 10 {
		t.Errorf("Layouts = %+v, want single offset 10", got.Layouts)
	}
	if len(got.Vocabulary) != 1 || got.Vocabulary[0].Substring != "beacon" {
		t.Errorf("Vocabulary = %+v", got.Vocabulary)
	}
	if got.MQTTTopicPrefix != "home/ble" {
		t.Errorf("MQTTTopicPrefix = %q, want home/ble", got.MQTTTopicPrefix)
	}
	if got.MQTTClientID != "bridge-1" {
		t.Errorf("MQTTClientID = %q, want bridge-1", got.MQTTClientID)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "app env", key: "APP_ENV", val: "staging"},
		{name: "log level", key: "LOG_LEVEL", val: "verbose"},
		{name: "source", key: "SOURCE", val: "usb"},
		{name: "replay without path", key: "SOURCE", val: "replay"},
		{name: "rssi", key: "BLE_RSSI_MIN", val: "loud"},
		{name: "keep timestamps", key: "REPLAY_KEEP_TIMESTAMPS", val: "sometimes"},
		{name: "event buffer", key: "EVENT_BUFFER", val: "0"},
		{name: "company id", key: "COMPANY_ID", val: "0x10000"},
		{name: "offsets", key: "DECODER_OFFSETS", val: "8,x"},
		{name: "offset inside header", key: "DECODER_OFFSETS", val: "4"},
		{name: "vocabulary", key: "KIND_VOCABULARY", val: "beacon=lamp"},
		{name: "min interval", key: "SNAPSHOT_MIN_INTERVAL", val: "soon"},
		{name: "min not below fallback", key: "SNAPSHOT_MIN_INTERVAL", val: "2s"},
		{name: "stale timeout zero", key: "STALE_TIMEOUT", val: "0s"},
		{name: "negative poll", key: "STALE_POLL_INTERVAL", val: "-1s"},
		{name: "mqtt port", key: "MQTT_PORT", val: "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("LoadFromEnv() error = nil, want non-nil")
			}
		})
	}
}

func TestParseLogLevel_Valid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want slog.Level
	}{
		{name: "debug", in: "debug", want: slog.LevelDebug},
		{name: "info", in: "info", want: slog.LevelInfo},
		{name: "warn", in: "warn", want: slog.LevelWarn},
		{name: "warning", in: "warning", want: slog.LevelWarn},
		{name: "error", in: "error", want: slog.LevelError},
		{name: "mixed case", in: " DeBuG ", want: slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLogLevel(tt.in)
			if err != nil {
				t.Fatalf("parseLogLevel(%q) error = %v, want nil", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
