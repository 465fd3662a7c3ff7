package airdroptesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a stderr logger for tests. DEBUG=1 shows info records and
// DEBUG=2 debug records; otherwise only errors are printed.
func NewLogger() *slog.Logger {
	debugLevel := os.Getenv("DEBUG")
	var level slog.Level
	switch debugLevel {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
