package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"trust-triangle/go-backend/internal/platform/privacylog"
)

// NewLogger builds a JSON logger on w behind the privacy handler.
func NewLogger(w io.Writer, level string, policy privacylog.Policy) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(privacylog.WrapHandler(handler, policy))
}

func DefaultLogger() *slog.Logger {
	return NewLogger(os.Stdout, "info", privacylog.Policy{FingerprintNodeIDs: true})
}

// ParseLevel maps debug, info, warn and error; anything else is info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
