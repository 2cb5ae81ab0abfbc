package atomflow

import (
	"context"
	"log/slog"
)

// Context provides execution context to atoms.
// It extends context.Context with atomflow-specific metadata.
//
// Context is immutable after creation. The engine creates derived contexts
// for each atom with the atom name, attempt, and enriched logger.
type Context interface {
	context.Context

	// Logger returns the configured logger, enriched with run and atom
	// context. Never returns nil.
	Logger() *slog.Logger

	// RunID returns the unique identifier for this run.
	RunID() string

	// AtomName returns the atom currently executing.
	// Empty string outside atom execution.
	AtomName() string

	// Attempt returns the retry attempt number (1 = first attempt).
	// Atoms outside any retry scope always see 1.
	Attempt() int

	// History returns the failure history of the atom's retry scope.
	// Nil outside any retry scope.
	History() History
}

// executionContext is the internal implementation of Context.
type executionContext struct {
	context.Context

	logger  *slog.Logger
	runID   string
	atom    string
	attempt int
	history History
}

// Logger returns the configured logger.
func (c *executionContext) Logger() *slog.Logger {
	return c.logger
}

// RunID returns the run identifier.
func (c *executionContext) RunID() string {
	return c.runID
}

// AtomName returns the current atom name.
func (c *executionContext) AtomName() string {
	return c.atom
}

// Attempt returns the retry attempt number.
func (c *executionContext) Attempt() int {
	return c.attempt
}

// History returns the retry scope's failure history.
func (c *executionContext) History() History {
	return c.history
}

// newRunContext creates the base context for a run.
func newRunContext(ctx context.Context, logger *slog.Logger, runID string) *executionContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &executionContext{
		Context: ctx,
		logger:  logger,
		runID:   runID,
		attempt: 1,
	}
}

// withAtom returns a derived context for one atom with an enriched logger.
func (c *executionContext) withAtom(atom string, attempt int, history History) *executionContext {
	return &executionContext{
		Context: c.Context,
		logger:  c.logger.With("run_id", c.runID, "atom", atom, "attempt", attempt),
		runID:   c.runID,
		atom:    atom,
		attempt: attempt,
		history: history,
	}
}
