// Package observability provides structured logging, metrics, and tracing
// for mqrpc clients, servers and dispatchers.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry, propagated through message headers
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds route context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "hello", "6f1c...")
//	enriched.Info("reply matched") // includes destination, correlation_id
func EnrichLogger(logger *slog.Logger, destination, correlationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("destination", destination),
		slog.String("correlation_id", correlationID),
	)
}

// LogCallComplete logs a completed RPC call.
func LogCallComplete(logger *slog.Logger, destination, correlationID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("rpc call completed",
		slog.String("destination", destination),
		slog.String("correlation_id", correlationID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCallError logs a failed RPC call.
func LogCallError(logger *slog.Logger, destination, correlationID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Warn("rpc call failed",
		slog.String("destination", destination),
		slog.String("correlation_id", correlationID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogReplyRejected logs a reply the router could not route (missing or
// malformed correlation id).
func LogReplyRejected(logger *slog.Logger, destination string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("reply rejected",
		slog.String("destination", destination),
		slog.String("error", err.Error()),
	)
}

// LogReplyOrphaned logs a reply whose request is no longer pending.
func LogReplyOrphaned(logger *slog.Logger, destination, correlationID string) {
	if logger == nil {
		return
	}
	logger.Debug("reply orphaned",
		slog.String("destination", destination),
		slog.String("correlation_id", correlationID),
	)
}

// LogRequestHandled logs a request the server answered.
func LogRequestHandled(logger *slog.Logger, destination, correlationID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("request handled",
		slog.String("destination", destination),
		slog.String("correlation_id", correlationID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRequestFailed logs a request that failed without stopping the server.
func LogRequestFailed(logger *slog.Logger, destination, correlationID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("request failed",
		slog.String("destination", destination),
		slog.String("correlation_id", correlationID),
		slog.String("error", err.Error()),
	)
}

// LogReceiveError logs a non-terminal receive or acknowledge failure.
func LogReceiveError(logger *slog.Logger, destination string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("receive failed",
		slog.String("destination", destination),
		slog.String("error", err.Error()),
	)
}

// LogSubscriptionClosed logs the end of a receive loop.
func LogSubscriptionClosed(logger *slog.Logger, destination string) {
	if logger == nil {
		return
	}
	logger.Info("subscription closed",
		slog.String("destination", destination),
	)
}

// LogDeadLetterError logs a failure to record a dead letter (non-fatal).
func LogDeadLetterError(logger *slog.Logger, destination string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("dead letter write failed",
		slog.String("destination", destination),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}

// LogDispatchFailed logs a multiplexed message that could not be dispatched.
func LogDispatchFailed(logger *slog.Logger, route string, err error) {
	if logger == nil {
		return
	}
	logger.Error("dispatch failed",
		slog.String("route", route),
		slog.String("error", err.Error()),
	)
}

// LogRouteClosed logs a multiplexed route leaving the active set.
func LogRouteClosed(logger *slog.Logger, route string, remaining int) {
	if logger == nil {
		return
	}
	logger.Info("route closed",
		slog.String("route", route),
		slog.Int("remaining", remaining),
	)
}
