package atomflow

import (
	"fmt"
	"strings"
	"time"
)

// Atom is the unit of work. An atom declares the symbols it consumes
// (Requires) and the symbols it produces (Provides); the compiler derives
// execution order from these declarations plus the flow structure.
//
// Execute performs the work. Revert undoes it during rollback and must be
// idempotent: the engine may call it again after a crash even if a previous
// call already completed.
type Atom interface {
	// Name returns the unique name of the atom within its flow.
	Name() string

	// Requires returns the symbols this atom consumes.
	Requires() []string

	// Provides returns the symbols this atom produces.
	Provides() []string

	// Execute performs the atom's work. The returned map must contain a
	// value for every symbol in Provides().
	Execute(ctx Context, inputs map[string]any) (map[string]any, error)

	// Revert undoes the atom's work. result holds the outputs of the
	// successful Execute, or nil if Execute never succeeded.
	Revert(ctx Context, inputs map[string]any, result map[string]any) error
}

// Decision is a retry controller's verdict after a failure in its scope.
type Decision string

const (
	// DecisionRetry reverts the scope's completed atoms and runs the scope again.
	DecisionRetry Decision = "RETRY"

	// DecisionRevert reverts the scope and escalates the failure to the
	// enclosing scope (or to the whole flow if there is none).
	DecisionRevert Decision = "REVERT"

	// DecisionRevertAll reverts the entire flow regardless of nesting.
	DecisionRevertAll Decision = "REVERT_ALL"
)

// AttemptRecord describes one failed attempt within a retry scope.
type AttemptRecord struct {
	// Atom is the atom that failed.
	Atom string `json:"atom"`
	// Failure is the failure message.
	Failure string `json:"failure"`
	// At is when the failure was observed.
	At time.Time `json:"at"`
}

// History is the ordered list of failed attempts seen by a retry scope.
// It is persisted with the retry's journal record so decisions survive
// crash and resume.
type History []AttemptRecord

// Retry is an atom that also controls what happens when an atom in its
// scope fails. Attach a Retry to a flow with WithRetry; the retry executes
// before the flow's atoms and re-executes on every new attempt.
type Retry interface {
	Atom

	// OnFailure inspects the accumulated failure history and decides
	// whether to retry the scope, revert it, or revert the whole flow.
	OnFailure(ctx Context, history History) Decision
}

// Validator checks one input value before an atom executes.
// A non-nil error fails the atom without running Execute.
type Validator func(value any) error

// ExecuteFunc is the signature of a task's forward work.
type ExecuteFunc func(ctx Context, inputs map[string]any) (map[string]any, error)

// RevertFunc is the signature of a task's compensation.
type RevertFunc func(ctx Context, inputs map[string]any, result map[string]any) error

// Task is a leaf atom built from functions. Use NewTask to construct one:
//
//	task := atomflow.NewTask("allocate",
//	    atomflow.WithRequires("request"),
//	    atomflow.WithProvides("address"),
//	    atomflow.WithExecute(allocate),
//	    atomflow.WithRevert(release),
//	)
type Task struct {
	name       string
	requires   []string
	provides   []string
	execute    ExecuteFunc
	revert     RevertFunc
	inject     map[string]any
	validators map[string]Validator
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithExecute sets the task's forward function. Required.
func WithExecute(fn ExecuteFunc) TaskOption {
	return func(t *Task) {
		t.execute = fn
	}
}

// WithRevert sets the task's compensation function.
// Tasks without a revert function are skipped during rollback.
func WithRevert(fn RevertFunc) TaskOption {
	return func(t *Task) {
		t.revert = fn
	}
}

// WithRequires declares the symbols the task consumes.
func WithRequires(symbols ...string) TaskOption {
	return func(t *Task) {
		t.requires = append(t.requires, symbols...)
	}
}

// WithProvides declares the symbols the task produces.
func WithProvides(symbols ...string) TaskOption {
	return func(t *Task) {
		t.provides = append(t.provides, symbols...)
	}
}

// WithInject supplies constant inputs local to this task. Injected values
// override resolved symbols of the same name and do not create dependency
// edges.
func WithInject(values map[string]any) TaskOption {
	return func(t *Task) {
		if t.inject == nil {
			t.inject = make(map[string]any, len(values))
		}
		for k, v := range values {
			t.inject[k] = v
		}
	}
}

// WithValidator attaches an input validator for the named symbol.
// Validation failures mark the atom FAILURE without calling Execute.
func WithValidator(symbol string, v Validator) TaskOption {
	return func(t *Task) {
		if t.validators == nil {
			t.validators = make(map[string]Validator)
		}
		t.validators[symbol] = v
	}
}

// NewTask creates a task atom.
//
// Panics if:
//   - name is empty or contains whitespace
//   - no execute function is configured
func NewTask(name string, opts ...TaskOption) *Task {
	if name == "" {
		panic("atomflow: atom name cannot be empty")
	}
	if strings.ContainsAny(name, " \t\n\r") {
		panic("atomflow: atom name cannot contain whitespace")
	}

	t := &Task{name: name}
	for _, opt := range opts {
		opt(t)
	}

	if t.execute == nil {
		panic(fmt.Sprintf("atomflow: task %s has no execute function", name))
	}
	return t
}

// Name implements Atom.
func (t *Task) Name() string {
	return t.name
}

// Requires implements Atom.
func (t *Task) Requires() []string {
	return t.requires
}

// Provides implements Atom.
func (t *Task) Provides() []string {
	return t.provides
}

// Execute implements Atom.
func (t *Task) Execute(ctx Context, inputs map[string]any) (map[string]any, error) {
	return t.execute(ctx, inputs)
}

// Revert implements Atom. A task without a revert function reverts trivially.
func (t *Task) Revert(ctx Context, inputs map[string]any, result map[string]any) error {
	if t.revert == nil {
		return nil
	}
	return t.revert(ctx, inputs, result)
}

// Injected returns the task's constant inputs, or nil.
// The engine merges these over resolved symbols before Execute.
func (t *Task) Injected() map[string]any {
	return t.inject
}

// Validators returns the task's input validators, or nil.
func (t *Task) Validators() map[string]Validator {
	return t.validators
}

// injector is implemented by atoms that carry constant local inputs.
type injector interface {
	Injected() map[string]any
}

// validated is implemented by atoms that validate inputs before execution.
type validated interface {
	Validators() map[string]Validator
}
