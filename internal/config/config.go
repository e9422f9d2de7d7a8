package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vivosun-blebridge/internal/ble"
)

const (
	SourceBLE    = "ble"
	SourceReplay = "replay"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	Source         string
	BLEAdapter     string
	BLERSSIMin     int
	ReplayPath     string
	ReplayInterval time.Duration
	// ReplayKeepTimestamps stamps replayed readings with their captured time.
	ReplayKeepTimestamps bool
	// ActiveMACs restricts ingestion to these addresses; empty accepts all.
	ActiveMACs  []string
	EventBuffer int

	CompanyID uint16
	// Layouts and Vocabulary are nil when the decoder defaults apply.
	Layouts    []ble.Layout
	Vocabulary []ble.VocabularyRule

	SnapshotPath             string
	SnapshotMinInterval      time.Duration
	SnapshotFallbackInterval time.Duration

	StaleTimeout      time.Duration
	StalePollInterval time.Duration

	HTTPAddr string

	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	SQLitePath string
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	source := strings.ToLower(envOr("SOURCE", SourceBLE))
	replayPath := strings.TrimSpace(os.Getenv("REPLAY_PATH"))
	switch source {
	case SourceBLE:
	case SourceReplay:
		if replayPath == "" {
			return Config{}, fmt.Errorf("REPLAY_PATH is required when SOURCE=%s", SourceReplay)
		}
	default:
		return Config{}, fmt.Errorf("invalid SOURCE %q (allowed: ble, replay)", source)
	}

	rssiMin, err := envInt("BLE_RSSI_MIN", "-95")
	if err != nil {
		return Config{}, err
	}
	replayInterval, err := envDuration("REPLAY_INTERVAL", "0s", true)
	if err != nil {
		return Config{}, err
	}
	keepTimestamps, err := envBool("REPLAY_KEEP_TIMESTAMPS", "false")
	if err != nil {
		return Config{}, err
	}
	eventBuffer, err := envInt("EVENT_BUFFER", "1024")
	if err != nil {
		return Config{}, err
	}
	if eventBuffer <= 0 {
		return Config{}, fmt.Errorf("EVENT_BUFFER must be positive, got %d", eventBuffer)
	}

	companyIDStr := envOr("COMPANY_ID", "0x0019")
	companyID, err := strconv.ParseUint(companyIDStr, 0, 16)
	if err != nil {
		return Config{}, fmt.Errorf("invalid COMPANY_ID %q: %w", companyIDStr, err)
	}

	var layouts []ble.Layout
	if s := strings.TrimSpace(os.Getenv("DECODER_OFFSETS")); s != "" {
		layouts, err = ble.ParseOffsets(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DECODER_OFFSETS %q: %w", s, err)
		}
	}
	var vocabulary []ble.VocabularyRule
	if s := strings.TrimSpace(os.Getenv("KIND_VOCABULARY")); s != "" {
		vocabulary, err = ble.ParseVocabulary(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid KIND_VOCABULARY %q: %w", s, err)
		}
	}

	snapshotMin, err := envDuration("SNAPSHOT_MIN_INTERVAL", "100ms", false)
	if err != nil {
		return Config{}, err
	}
	snapshotFallback, err := envDuration("SNAPSHOT_FALLBACK_INTERVAL", "1500ms", false)
	if err != nil {
		return Config{}, err
	}
	if snapshotMin >= snapshotFallback {
		return Config{}, fmt.Errorf("SNAPSHOT_MIN_INTERVAL (%v) must be less than SNAPSHOT_FALLBACK_INTERVAL (%v)", snapshotMin, snapshotFallback)
	}

	staleTimeout, err := envDuration("STALE_TIMEOUT", "15s", false)
	if err != nil {
		return Config{}, err
	}
	stalePoll, err := envDuration("STALE_POLL_INTERVAL", "2s", false)
	if err != nil {
		return Config{}, err
	}

	mqttPort, err := envInt("MQTT_PORT", "1883")
	if err != nil {
		return Config{}, err
	}
	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		mqttClientID = "blebridge-" + uuid.NewString()
	}

	return Config{
		AppEnv:                   appEnv,
		LogLevel:                 level,
		Source:                   source,
		BLEAdapter:               envOr("BLE_ADAPTER", "hci0"),
		BLERSSIMin:               rssiMin,
		ReplayPath:               replayPath,
		ReplayInterval:           replayInterval,
		ReplayKeepTimestamps:     keepTimestamps,
		ActiveMACs:               splitList(os.Getenv("ACTIVE_MAC")),
		EventBuffer:              eventBuffer,
		CompanyID:                uint16(companyID),
		Layouts:                  layouts,
		Vocabulary:               vocabulary,
		SnapshotPath:             envOr("SNAPSHOT_PATH", "ble_scan.json"),
		SnapshotMinInterval:      snapshotMin,
		SnapshotFallbackInterval: snapshotFallback,
		StaleTimeout:             staleTimeout,
		StalePollInterval:        stalePoll,
		HTTPAddr:                 strings.TrimSpace(os.Getenv("HTTP_ADDR")),
		MQTTBroker:               strings.TrimSpace(os.Getenv("MQTT_BROKER")),
		MQTTPort:                 mqttPort,
		MQTTClientID:             mqttClientID,
		MQTTTopicPrefix:          strings.Trim(envOr("MQTT_TOPIC_PREFIX", "blebridge"), "/"),
		SQLitePath:               strings.TrimSpace(os.Getenv("SQLITE_PATH")),
	}, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key, def string) (int, error) {
	s := envOr(key, def)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func envBool(key, def string) (bool, error) {
	s := envOr(key, def)
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func envDuration(key, def string, allowZero bool) (time.Duration, error) {
	s := envOr(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		out = append(out, strings.ToUpper(p))
	}
	return out
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
