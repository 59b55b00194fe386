package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// The operational logger covers daemon lifecycle, claim and dispatch
// decisions, environment materialization, and sweep loops. Per-job audit
// records go through Logger instead; the two streams are kept separate so
// operational noise never dilutes the job trail.
var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	opLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// Op returns the operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevel changes the operational log level.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the level from its config-file spelling:
// "debug", "info", "warn"/"warning", or "error". Unrecognized values
// leave the level unchanged.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}
}
