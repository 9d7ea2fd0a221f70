package app

import (
	"io"
	"log/slog"

	"chimenotify/internal/types"
)

// NewLogger creates a JSON slog.Logger at the given level. Unknown levels
// fall back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// SlogAdapter wraps *slog.Logger to implement types.Logger. slog.Logger has
// Info, Warn and Error already, but its With returns *slog.Logger.
type SlogAdapter struct {
	Logger *slog.Logger
}

var _ types.Logger = SlogAdapter{}

func (a SlogAdapter) Info(msg string, args ...any)  { a.Logger.Info(msg, args...) }
func (a SlogAdapter) Error(msg string, args ...any) { a.Logger.Error(msg, args...) }
func (a SlogAdapter) Warn(msg string, args ...any)  { a.Logger.Warn(msg, args...) }
func (a SlogAdapter) With(args ...any) types.Logger {
	return SlogAdapter{Logger: a.Logger.With(args...)}
}
