package logging

import (
	"log/slog"
	"os"
)

// InitStructured swaps the operational logger's handler according to the
// configured format: "json" for log-aggregation backends, anything else
// gets the human-readable text handler. Called once from each daemon's
// startup path before any services spin up.
func InitStructured(format, level string) {
	SetLevelFromString(level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	opLogger.Store(slog.New(handler))
}

// OpWithTrace returns the operational logger annotated with the active
// trace/span ids, so a job's daemon-side log lines correlate with its
// dispatch span. With no trace active it is just Op().
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := opLogger.Load()
	if traceID == "" {
		return l
	}
	if spanID == "" {
		return l.With("trace_id", traceID)
	}
	return l.With("trace_id", traceID, "span_id", spanID)
}
