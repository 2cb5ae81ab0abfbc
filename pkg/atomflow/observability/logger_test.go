package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLogger returns a logger writing JSON to the returned buffer.
func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	return logger, &buf
}

func TestEnrichLogger(t *testing.T) {
	logger, buf := newTestLogger()

	enriched := EnrichLogger(logger, "run-123", "allocate", 2)
	require.NotNil(t, enriched)

	enriched.Info("doing work")
	out := buf.String()
	assert.Contains(t, out, `"run_id":"run-123"`)
	assert.Contains(t, out, `"atom":"allocate"`)
	assert.Contains(t, out, `"attempt":2`)
}

func TestEnrichLogger_Nil(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, "run-123", "allocate", 1))
}

func TestLogRunLifecycle(t *testing.T) {
	logger, buf := newTestLogger()

	LogRunStart(logger, "run-1", "provision")
	assert.Contains(t, buf.String(), "flow run starting")
	assert.Contains(t, buf.String(), `"flow":"provision"`)
	buf.Reset()

	LogRunComplete(logger, "run-1", 42.0, 3)
	assert.Contains(t, buf.String(), "flow run completed")
	assert.Contains(t, buf.String(), `"atoms_executed":3`)
	buf.Reset()

	LogRunError(logger, "run-1", errors.New("boom"), 10.0, "configure")
	assert.Contains(t, buf.String(), "flow run failed")
	assert.Contains(t, buf.String(), `"failed_atom":"configure"`)
	buf.Reset()

	LogRunSuspended(logger, "run-1", 2)
	assert.Contains(t, buf.String(), "flow run suspended")
	assert.Contains(t, buf.String(), `"in_flight":2`)
}

func TestLogAtomLifecycle(t *testing.T) {
	logger, buf := newTestLogger()

	LogAtomStart(logger, "allocate", 1)
	assert.Contains(t, buf.String(), "atom starting")
	buf.Reset()

	LogAtomComplete(logger, "allocate", 5.0)
	assert.Contains(t, buf.String(), "atom completed")
	buf.Reset()

	LogAtomError(logger, "allocate", errors.New("dial failed"))
	assert.Contains(t, buf.String(), "atom failed")
	assert.Contains(t, buf.String(), "dial failed")
	buf.Reset()

	LogAtomSkipped(logger, "allocate")
	assert.Contains(t, buf.String(), "reusing stored result")
}

func TestLogRevertLifecycle(t *testing.T) {
	logger, buf := newTestLogger()

	LogRevertStart(logger, "allocate")
	assert.Contains(t, buf.String(), "atom reverting")
	buf.Reset()

	LogRevertComplete(logger, "allocate", 3.0)
	assert.Contains(t, buf.String(), "atom reverted")
	buf.Reset()

	LogRevertError(logger, "allocate", errors.New("undo failed"))
	assert.Contains(t, buf.String(), "atom revert failed")
}

func TestLogRetryDecision(t *testing.T) {
	logger, buf := newTestLogger()

	LogRetryDecision(logger, "times-3", "configure", "RETRY")
	assert.Contains(t, buf.String(), "retry decision")
	assert.Contains(t, buf.String(), `"decision":"RETRY"`)
}

func TestLogJournalError(t *testing.T) {
	logger, buf := newTestLogger()

	LogJournalError(logger, "allocate", "set_atom_state", errors.New("disk full"))
	assert.Contains(t, buf.String(), "journal write failed")
	assert.Contains(t, buf.String(), "disk full")
}

func TestNilLoggerIsSafe(t *testing.T) {
	// None of these should panic with a nil logger.
	LogRunStart(nil, "run-1", "provision")
	LogRunComplete(nil, "run-1", 1.0, 1)
	LogRunError(nil, "run-1", errors.New("x"), 1.0, "a")
	LogRunSuspended(nil, "run-1", 0)
	LogAtomStart(nil, "a", 1)
	LogAtomComplete(nil, "a", 1.0)
	LogAtomError(nil, "a", errors.New("x"))
	LogAtomSkipped(nil, "a")
	LogRevertStart(nil, "a")
	LogRevertComplete(nil, "a", 1.0)
	LogRevertError(nil, "a", errors.New("x"))
	LogRetryDecision(nil, "r", "a", "RETRY")
	LogJournalError(nil, "a", "op", errors.New("x"))
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	elapsed := done()
	assert.GreaterOrEqual(t, elapsed, 0.0)
}
