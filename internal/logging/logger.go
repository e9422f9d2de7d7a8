package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"vivosun-blebridge/internal/config"
)

// New returns the process logger: colourised text for dev builds and JSON
// with version and environment attributes otherwise.
func New(cfg config.Config, version string, appName string) *slog.Logger {
	if version == "dev" {
		h := tint.NewHandler(os.Stdout, &tint.Options{
			Level:      cfg.LogLevel,
			AddSource:  cfg.LogLevel <= slog.LevelDebug,
			TimeFormat: time.StampMilli,
		})
		return slog.New(h).With("app", appName, "source", cfg.Source)
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})
	return slog.New(h).With(
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"source", cfg.Source,
	)
}
