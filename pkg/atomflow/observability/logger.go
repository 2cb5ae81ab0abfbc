// Package observability provides production-grade observability features
// for atomflow: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds atomflow context to a logger.
// Returns a new logger with run_id, atom, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "run-123", "allocate", 1)
//	enriched.Info("doing work") // includes run_id, atom, attempt
func EnrichLogger(logger *slog.Logger, runID, atom string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("atom", atom),
		slog.Int("attempt", attempt),
	)
}

// LogRunStart logs the start of a flow run.
func LogRunStart(logger *slog.Logger, runID, flowName string) {
	if logger == nil {
		return
	}
	logger.Info("flow run starting",
		slog.String("run_id", runID),
		slog.String("flow", flowName),
	)
}

// LogRunComplete logs successful flow run completion.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, atomCount int) {
	if logger == nil {
		return
	}
	logger.Info("flow run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("atoms_executed", atomCount),
	)
}

// LogRunError logs flow run failure after rollback has finished.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64, failedAtom string) {
	if logger == nil {
		return
	}
	logger.Error("flow run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("failed_atom", failedAtom),
	)
}

// LogRunSuspended logs cooperative suspension of a flow run.
func LogRunSuspended(logger *slog.Logger, runID string, inFlight int) {
	if logger == nil {
		return
	}
	logger.Info("flow run suspended",
		slog.String("run_id", runID),
		slog.Int("in_flight", inFlight),
	)
}

// LogAtomStart logs atom execution start.
func LogAtomStart(logger *slog.Logger, atom string, attempt int) {
	if logger == nil {
		return
	}
	logger.Debug("atom starting",
		slog.String("atom", atom),
		slog.Int("attempt", attempt),
	)
}

// LogAtomComplete logs successful atom completion.
func LogAtomComplete(logger *slog.Logger, atom string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("atom completed",
		slog.String("atom", atom),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogAtomError logs atom execution error.
func LogAtomError(logger *slog.Logger, atom string, err error) {
	if logger == nil {
		return
	}
	logger.Error("atom failed",
		slog.String("atom", atom),
		slog.String("error", err.Error()),
	)
}

// LogAtomSkipped logs an atom whose stored result is reused on resume.
func LogAtomSkipped(logger *slog.Logger, atom string) {
	if logger == nil {
		return
	}
	logger.Debug("atom skipped, reusing stored result",
		slog.String("atom", atom),
	)
}

// LogRevertStart logs the start of an atom reversion.
func LogRevertStart(logger *slog.Logger, atom string) {
	if logger == nil {
		return
	}
	logger.Debug("atom reverting",
		slog.String("atom", atom),
	)
}

// LogRevertComplete logs successful atom reversion.
func LogRevertComplete(logger *slog.Logger, atom string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("atom reverted",
		slog.String("atom", atom),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRevertError logs atom reversion failure.
func LogRevertError(logger *slog.Logger, atom string, err error) {
	if logger == nil {
		return
	}
	logger.Error("atom revert failed",
		slog.String("atom", atom),
		slog.String("error", err.Error()),
	)
}

// LogRetryDecision logs the retry controller's decision for a failure.
func LogRetryDecision(logger *slog.Logger, retry, atom, decision string) {
	if logger == nil {
		return
	}
	logger.Info("retry decision",
		slog.String("retry", retry),
		slog.String("atom", atom),
		slog.String("decision", decision),
	)
}

// LogJournalError logs a journal write failure (fatal for the run).
func LogJournalError(logger *slog.Logger, atom string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("journal write failed",
		slog.String("atom", atom),
		slog.String("operation", op),
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
		return float64(time.Since(start).Milliseconds())
	}
}
