package logging

import (
	"log/slog"
	"os"
)

// InitStructured points the operational logger at stderr in the configured
// shape. The daemon runs with format "json" so its log stream can be
// shipped to an aggregator as-is; the one-shot CLI commands default to
// "text".
func InitStructured(format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	opLogger.Store(slog.New(handler))
}

// OpWithTrace returns the operational logger bound to a trace, so a log
// line emitted during a task phase can be joined to that task's span.
// With no trace id it degrades to the plain logger.
func OpWithTrace(traceID, spanID string) *slog.Logger {
	if traceID == "" {
		return Op()
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return Op().With(args...)
}
