package telemetry

import (
	"io"
	"log/slog"
	"strings"

	"github.com/zoff-tech/go-calsync/pkg/config"
)

// NewLogger builds a JSON (default) or text slog.Logger writing to w.
func NewLogger(w io.Writer, cfg config.LogSettings) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
