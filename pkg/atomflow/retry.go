package atomflow

import "fmt"

// baseRetry carries the common atom plumbing for builtin retry controllers.
type baseRetry struct {
	name string
}

func (r *baseRetry) Name() string        { return r.name }
func (r *baseRetry) Requires() []string  { return nil }
func (r *baseRetry) Provides() []string  { return nil }
func (r *baseRetry) Execute(Context, map[string]any) (map[string]any, error) {
	return nil, nil
}
func (r *baseRetry) Revert(Context, map[string]any, map[string]any) error {
	return nil
}

// AlwaysRevert is a retry controller that never retries: any failure in its
// scope reverts the scope and escalates to the enclosing one.
type AlwaysRevert struct {
	baseRetry
}

// NewAlwaysRevert creates an AlwaysRevert controller.
func NewAlwaysRevert(name string) *AlwaysRevert {
	return &AlwaysRevert{baseRetry{name: name}}
}

// OnFailure implements Retry.
func (r *AlwaysRevert) OnFailure(Context, History) Decision {
	return DecisionRevert
}

// AlwaysRevertAll is a retry controller that reverts the entire flow on any
// failure in its scope.
type AlwaysRevertAll struct {
	baseRetry
}

// NewAlwaysRevertAll creates an AlwaysRevertAll controller.
func NewAlwaysRevertAll(name string) *AlwaysRevertAll {
	return &AlwaysRevertAll{baseRetry{name: name}}
}

// OnFailure implements Retry.
func (r *AlwaysRevertAll) OnFailure(Context, History) Decision {
	return DecisionRevertAll
}

// Times retries its scope a fixed number of times before giving up.
type Times struct {
	baseRetry
	attempts  int
	revertAll bool
}

// TimesOption configures a Times controller.
type TimesOption func(*Times)

// RevertAllOnExhaustion makes a Times controller revert the whole flow,
// instead of just its scope, once attempts are exhausted.
func RevertAllOnExhaustion() TimesOption {
	return func(t *Times) {
		t.revertAll = true
	}
}

// NewTimes creates a controller that allows up to attempts runs of its scope.
// attempts counts total runs, not re-runs: NewTimes("r", 3) runs the scope at
// most three times.
//
// Panics if attempts is less than 1.
func NewTimes(name string, attempts int, opts ...TimesOption) *Times {
	if attempts < 1 {
		panic(fmt.Sprintf("atomflow: retry %s: attempts must be at least 1, got %d", name, attempts))
	}
	t := &Times{baseRetry: baseRetry{name: name}, attempts: attempts}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnFailure implements Retry. Each history entry is one failed run of the
// scope, so retrying is allowed while len(history) < attempts.
func (t *Times) OnFailure(_ Context, history History) Decision {
	if len(history) < t.attempts {
		return DecisionRetry
	}
	if t.revertAll {
		return DecisionRevertAll
	}
	return DecisionRevert
}

// ForEach provides one value from a fixed list to its scope per attempt.
// The scope is retried until the list is exhausted.
type ForEach struct {
	baseRetry
	symbol string
	values []any
}

// NewForEach creates a controller that provides values[i] under symbol on
// attempt i. Once every value has been tried, the scope is reverted.
//
// Panics if values is empty or symbol is empty.
func NewForEach(name, symbol string, values []any) *ForEach {
	if symbol == "" {
		panic(fmt.Sprintf("atomflow: retry %s: symbol cannot be empty", name))
	}
	if len(values) == 0 {
		panic(fmt.Sprintf("atomflow: retry %s: values cannot be empty", name))
	}
	return &ForEach{
		baseRetry: baseRetry{name: name},
		symbol:    symbol,
		values:    values,
	}
}

// Provides implements Atom.
func (f *ForEach) Provides() []string {
	return []string{f.symbol}
}

// Execute implements Atom. The attempt number comes from the accumulated
// history, so the next value is picked up after crash and resume too.
func (f *ForEach) Execute(ctx Context, _ map[string]any) (map[string]any, error) {
	attempt := len(ctx.History())
	if attempt >= len(f.values) {
		return nil, fmt.Errorf("retry %s: values exhausted after %d attempts", f.name, attempt)
	}
	return map[string]any{f.symbol: f.values[attempt]}, nil
}

// OnFailure implements Retry.
func (f *ForEach) OnFailure(_ Context, history History) Decision {
	if len(history) < len(f.values) {
		return DecisionRetry
	}
	return DecisionRevert
}

// ParameterizedForEach is like ForEach, but takes its value list from a
// required symbol at run time instead of a fixed list.
type ParameterizedForEach struct {
	baseRetry
	symbol string
	source string
}

// NewParameterizedForEach creates a controller that reads a []any from the
// source symbol and provides one element under symbol per attempt.
func NewParameterizedForEach(name, symbol, source string) *ParameterizedForEach {
	if symbol == "" || source == "" {
		panic(fmt.Sprintf("atomflow: retry %s: symbol and source cannot be empty", name))
	}
	return &ParameterizedForEach{
		baseRetry: baseRetry{name: name},
		symbol:    symbol,
		source:    source,
	}
}

// Requires implements Atom.
func (p *ParameterizedForEach) Requires() []string {
	return []string{p.source}
}

// Provides implements Atom.
func (p *ParameterizedForEach) Provides() []string {
	return []string{p.symbol}
}

// Execute implements Atom.
func (p *ParameterizedForEach) Execute(ctx Context, inputs map[string]any) (map[string]any, error) {
	values, ok := inputs[p.source].([]any)
	if !ok {
		return nil, fmt.Errorf("retry %s: symbol %s is not a []any", p.name, p.source)
	}
	attempt := len(ctx.History())
	if attempt >= len(values) {
		return nil, fmt.Errorf("retry %s: values exhausted after %d attempts", p.name, attempt)
	}
	return map[string]any{p.symbol: values[attempt]}, nil
}

// OnFailure implements Retry. The controller cannot see the value list here,
// so it always asks for another attempt; Execute fails the scope once the
// list is exhausted.
func (p *ParameterizedForEach) OnFailure(_ Context, _ History) Decision {
	return DecisionRetry
}
