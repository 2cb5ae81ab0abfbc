package atomflow

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for flow definition and compilation.
var (
	// ErrEmptyFlow indicates a flow with no atoms was compiled.
	ErrEmptyFlow = errors.New("flow has no atoms")

	// ErrDuplicateAtom indicates two atoms in the same flow share a name.
	ErrDuplicateAtom = errors.New("duplicate atom name")

	// ErrAmbiguousProvider indicates two atoms provide the same symbol.
	ErrAmbiguousProvider = errors.New("symbol has multiple providers")

	// ErrUnknownLinkTarget indicates a Link references a name not in the flow.
	ErrUnknownLinkTarget = errors.New("link references unknown node")

	// ErrSelfDependency indicates a Link from a node to itself.
	ErrSelfDependency = errors.New("node cannot depend on itself")
)

// Sentinel errors for execution.
var (
	// ErrNilContext indicates Run() was called with a nil context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrUnresolvedInput indicates a required symbol has no provider atom
	// and was not supplied as an initial input.
	ErrUnresolvedInput = errors.New("required symbol has no provider")

	// ErrUnknownStrategy indicates an execution strategy name is not registered.
	ErrUnknownStrategy = errors.New("unknown execution strategy")
)

// DependencyCycleError reports a cycle in the compiled dependency graph.
// Members lists the atoms that participate in the cycle.
type DependencyCycleError struct {
	// Members are the atom names that could not be ordered.
	Members []string
}

// Error implements the error interface.
func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving atoms: %s", strings.Join(e.Members, ", "))
}

// AtomError wraps an error with atom context.
// It provides information about which atom failed and what operation was attempted.
type AtomError struct {
	// Atom is the name of the atom that failed.
	Atom string
	// Op is the operation that failed ("execute", "revert", "validate").
	Op string
	// Err is the underlying error from the atom.
	Err error
}

// Error implements the error interface.
func (e *AtomError) Error() string {
	return fmt.Sprintf("atom %s: %s: %v", e.Atom, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AtomError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from atom execution.
// It includes the stack trace for debugging.
type PanicError struct {
	// Atom is the name of the atom that panicked.
	Atom string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("atom %s panicked: %v", e.Atom, e.Value)
}

// StorageError wraps a journal write or read failure.
// A storage error during a run is fatal for that run: the engine stops
// scheduling and leaves the run suspended so it can be resumed once the
// backend recovers.
type StorageError struct {
	// Op is the journal operation that failed.
	Op string
	// Err is the underlying error from the backend.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}
