package atomflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// retryCtx builds a Context carrying the given scope history.
func retryCtx(t *testing.T, retry string, history History) Context {
	t.Helper()
	return newRunContext(context.Background(), nil, "test-run").
		withAtom(retry, len(history)+1, history)
}

// failures builds a history with n generic entries.
func failures(n int) History {
	h := make(History, n)
	for i := range h {
		h[i] = AttemptRecord{Atom: "worker", Failure: "boom", At: time.Now().UTC()}
	}
	return h
}

func TestAlwaysRevert(t *testing.T) {
	r := NewAlwaysRevert("r")
	assert.Equal(t, "r", r.Name())
	assert.Equal(t, DecisionRevert, r.OnFailure(retryCtx(t, "r", failures(1)), failures(1)))
}

func TestAlwaysRevertAll(t *testing.T) {
	r := NewAlwaysRevertAll("r")
	assert.Equal(t, DecisionRevertAll, r.OnFailure(retryCtx(t, "r", failures(1)), failures(1)))
}

func TestTimes(t *testing.T) {
	r := NewTimes("r", 3)

	// Two failures leave one attempt in budget.
	assert.Equal(t, DecisionRetry, r.OnFailure(retryCtx(t, "r", failures(1)), failures(1)))
	assert.Equal(t, DecisionRetry, r.OnFailure(retryCtx(t, "r", failures(2)), failures(2)))
	assert.Equal(t, DecisionRevert, r.OnFailure(retryCtx(t, "r", failures(3)), failures(3)))
}

func TestTimes_RevertAllOnExhaustion(t *testing.T) {
	r := NewTimes("r", 1, RevertAllOnExhaustion())
	assert.Equal(t, DecisionRevertAll, r.OnFailure(retryCtx(t, "r", failures(1)), failures(1)))
}

func TestTimes_InvalidAttempts(t *testing.T) {
	assert.Panics(t, func() { NewTimes("r", 0) })
}

func TestForEach(t *testing.T) {
	r := NewForEach("r", "port", []any{8080, 8081, 8082})
	assert.Equal(t, []string{"port"}, r.Provides())

	// Each attempt yields the next value.
	for i, want := range []any{8080, 8081, 8082} {
		out, err := r.Execute(retryCtx(t, "r", failures(i)), nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"port": want}, out)
	}

	// Exhausted list fails the execute.
	_, err := r.Execute(retryCtx(t, "r", failures(3)), nil)
	assert.Error(t, err)

	assert.Equal(t, DecisionRetry, r.OnFailure(retryCtx(t, "r", failures(2)), failures(2)))
	assert.Equal(t, DecisionRevert, r.OnFailure(retryCtx(t, "r", failures(3)), failures(3)))
}

func TestForEach_InvalidArgs(t *testing.T) {
	assert.Panics(t, func() { NewForEach("r", "", []any{1}) })
	assert.Panics(t, func() { NewForEach("r", "port", nil) })
}

func TestParameterizedForEach(t *testing.T) {
	r := NewParameterizedForEach("r", "port", "candidates")
	assert.Equal(t, []string{"candidates"}, r.Requires())
	assert.Equal(t, []string{"port"}, r.Provides())

	inputs := map[string]any{"candidates": []any{"a", "b"}}

	out, err := r.Execute(retryCtx(t, "r", nil), inputs)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"port": "a"}, out)

	out, err = r.Execute(retryCtx(t, "r", failures(1)), inputs)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"port": "b"}, out)

	_, err = r.Execute(retryCtx(t, "r", failures(2)), inputs)
	assert.Error(t, err)

	// The controller itself never gives up; exhaustion surfaces in Execute.
	assert.Equal(t, DecisionRetry, r.OnFailure(retryCtx(t, "r", failures(5)), failures(5)))
}

func TestParameterizedForEach_BadSource(t *testing.T) {
	r := NewParameterizedForEach("r", "port", "candidates")
	_, err := r.Execute(retryCtx(t, "r", nil), map[string]any{"candidates": "not-a-list"})
	assert.Error(t, err)
}
