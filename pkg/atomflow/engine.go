package atomflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/atomflow/atomflow/pkg/atomflow/config"
	"github.com/atomflow/atomflow/pkg/atomflow/notify"
	"github.com/atomflow/atomflow/pkg/atomflow/observability"
	"github.com/atomflow/atomflow/pkg/atomflow/storage"
)

// Engine runs compiled flows against a journal store. One engine can run
// many flows, concurrently and sequentially; each run is coordinated by a
// single goroutine that is the only writer of that run's journal.
type Engine struct {
	store    storage.Store
	strategy Strategy
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	tracing  bool
	notifier *notify.Notifier
	owner    string
	ownStore bool

	mu     sync.Mutex
	active map[string]*runExecution
}

// New creates an engine. With no options it journals to an in-memory store
// and executes atoms serially.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    storage.NewMemoryStore(),
		strategy: NewSerialStrategy(),
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		notifier: notify.New(),
		owner:    "engine-" + uuid.New().String(),
		ownStore: true,
		active:   make(map[string]*runExecution),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.strategy.Start(); err != nil {
		return nil, fmt.Errorf("start strategy: %w", err)
	}
	return e, nil
}

// FromConfig creates an engine from configuration, typically loaded with
// config.FromFile. Recognized keys:
//
//	storage:
//	  backend: memory | sqlite | <registered name>
//	  path: atomflow.db          # backend specific
//	strategy:
//	  name: serial | pool | <registered name>
//	  workers: 8                 # strategy specific
//	owner: worker-1
//	metrics: true
//	tracing: true
func FromConfig(cfg config.Config) (*Engine, error) {
	storageCfg := cfg.Sub("storage")
	store, err := storage.OpenBackend(storageCfg.String("backend", "memory"), storageCfg)
	if err != nil {
		return nil, err
	}

	strategyCfg := cfg.Sub("strategy")
	strategy, err := NewStrategy(strategyCfg.String("name", "serial"), strategyCfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	opts := []Option{
		WithStore(store),
		WithStrategy(strategy),
		WithOwner(cfg.String("owner", "")),
	}
	if cfg.Bool("metrics", false) {
		opts = append(opts, WithMetrics(observability.NewMetricsRecorder()))
	}
	if cfg.Bool("tracing", false) {
		opts = append(opts, WithTracing(observability.NewSpanManager()))
	}

	e, err := New(opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	// FromConfig constructed the store, so Close() owns it.
	e.ownStore = true
	return e, nil
}

// Notifier returns the engine's transition notifier. Subscribe before
// starting runs to observe every transition.
func (e *Engine) Notifier() *notify.Notifier {
	return e.notifier
}

// Store returns the engine's journal store.
func (e *Engine) Store() storage.Store {
	return e.store
}

// ListRuns returns metadata for every run in the journal.
func (e *Engine) ListRuns(ctx context.Context) ([]storage.RunInfo, error) {
	return e.store.ListRuns(ctx)
}

// Suspend asks a running flow to stop scheduling new atoms. In-flight atoms
// finish; the run is journaled SUSPENDED and can be resumed later.
// Returns storage.ErrRunNotFound if the run is not active on this engine.
func (e *Engine) Suspend(runID string) error {
	e.mu.Lock()
	exec, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return storage.ErrRunNotFound
	}
	exec.suspendReq.Store(true)
	return nil
}

// Close stops the strategy and, if the engine created its own store,
// closes it.
func (e *Engine) Close() error {
	err := e.strategy.Stop()
	if e.ownStore {
		if cerr := e.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// RunResult is the outcome of a run.
type RunResult struct {
	// RunID identifies the run in the journal.
	RunID string
	// State is the flow state the run ended in.
	State storage.FlowState
	// Results holds the outputs of every successful atom.
	Results map[string]map[string]any
	// Failure is the first atom failure, or the storage error that halted
	// the run. Nil on success and plain suspension.
	Failure error
}

// Run executes a compiled flow with the given initial inputs and blocks
// until the run reaches SUCCESS, FAILURE, or SUSPENDED.
//
// Inputs must cover every required symbol that no atom provides; otherwise
// Run fails with ErrUnresolvedInput before anything is persisted.
func (e *Engine) Run(ctx context.Context, graph *ExecutionGraph, inputs map[string]any) (*RunResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if graph == nil {
		return nil, ErrEmptyFlow
	}
	if err := checkInputs(graph, inputs); err != nil {
		return nil, err
	}

	runID, err := e.store.CreateRun(ctx, graph.Name())
	if err != nil {
		return nil, &StorageError{Op: "create run", Err: err}
	}
	return e.execute(ctx, graph, runID, inputs, false)
}

// Resume continues an interrupted run. Atoms journaled SUCCESS are skipped
// and their stored outputs reused; atoms caught mid-execution by a crash
// run again. A run already in a terminal state is returned as recorded,
// without executing anything.
//
// The same initial inputs passed to Run must be passed again here; the
// journal stores atom outputs, not the caller's inputs.
func (e *Engine) Resume(ctx context.Context, graph *ExecutionGraph, runID string, inputs map[string]any) (*RunResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if graph == nil {
		return nil, ErrEmptyFlow
	}

	info, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if info.State.Terminal() {
		return e.recordedResult(ctx, runID, info)
	}
	if err := checkInputs(graph, inputs); err != nil {
		return nil, err
	}
	return e.execute(ctx, graph, runID, inputs, true)
}

// checkInputs verifies that every externally required symbol is supplied.
func checkInputs(graph *ExecutionGraph, inputs map[string]any) error {
	for atom, symbols := range graph.external {
		for _, symbol := range symbols {
			if _, ok := inputs[symbol]; !ok {
				return fmt.Errorf("%w: %q required by atom %s", ErrUnresolvedInput, symbol, atom)
			}
		}
	}
	return nil
}

// recordedResult rebuilds the outcome of a finished run from the journal.
func (e *Engine) recordedResult(ctx context.Context, runID string, info storage.RunInfo) (*RunResult, error) {
	records, err := e.store.ListAtomStates(ctx, runID)
	if err != nil {
		return nil, &StorageError{Op: "list atom states", Err: err}
	}
	result := &RunResult{
		RunID:   runID,
		State:   info.State,
		Results: make(map[string]map[string]any),
	}
	for _, rec := range records {
		switch rec.State {
		case storage.AtomSuccess:
			result.Results[rec.Atom] = rec.Payload.Outputs
		case storage.AtomFailure:
			if result.Failure == nil {
				result.Failure = &AtomError{Atom: rec.Atom, Op: "execute", Err: errors.New(rec.Payload.Failure)}
			}
		}
	}
	return result, nil
}

// execute claims the run and drives it to completion on a fresh coordinator.
func (e *Engine) execute(ctx context.Context, graph *ExecutionGraph, runID string, inputs map[string]any, resume bool) (*RunResult, error) {
	if err := e.store.ClaimRun(ctx, runID, e.owner); err != nil {
		return nil, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.ReleaseRun(releaseCtx, runID, e.owner); err != nil {
			e.logger.Warn("release run claim failed", "run_id", runID, "error", err.Error())
		}
	}()

	x := newRunExecution(e, graph, runID, inputs)

	e.mu.Lock()
	e.active[runID] = x
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
	}()

	if resume {
		if err := x.loadJournal(ctx); err != nil {
			return nil, err
		}
	}
	return x.run(ctx)
}

// Coordinator modes.
const (
	modeForward     = iota // scheduling ready atoms
	modeDraining           // failure seen, waiting for in-flight atoms
	modeScopeRevert        // reverting a retry scope before re-running it
	modeRollback           // reverting the whole flow
	modeHalt               // storage failure, stop everything
)

// runExecution coordinates one run. All fields are owned by the coordinator
// goroutine; the only cross-goroutine signals are the done channel and the
// suspend flag.
type runExecution struct {
	engine *Engine
	graph  *ExecutionGraph
	runID  string
	base   *executionContext
	tctx   context.Context

	mode         int
	state        map[string]storage.AtomState
	values       map[string]any
	results      map[string]map[string]any
	inputsOf     map[string]map[string]any
	histories    map[string]History
	succeeded    []string
	revertFailed map[string]bool

	failedAtom string
	failureErr error
	resetScope *retryScope
	queue      []string

	done       chan Completion
	inFlight   int
	suspendReq atomic.Bool
	storageErr error
	started    time.Time
}

func newRunExecution(e *Engine, graph *ExecutionGraph, runID string, inputs map[string]any) *runExecution {
	values := make(map[string]any, len(inputs))
	for k, v := range inputs {
		values[k] = v
	}
	state := make(map[string]storage.AtomState, graph.Len())
	for _, name := range graph.order {
		state[name] = storage.AtomPending
	}
	return &runExecution{
		engine:       e,
		graph:        graph,
		runID:        runID,
		state:        state,
		values:       values,
		results:      make(map[string]map[string]any),
		inputsOf:     make(map[string]map[string]any),
		histories:    make(map[string]History),
		revertFailed: make(map[string]bool),
		done:         make(chan Completion, graph.Len()),
	}
}

// loadJournal seeds the coordinator from a previous run's records and
// normalizes states interrupted by a crash.
func (x *runExecution) loadJournal(ctx context.Context) error {
	records, err := x.engine.store.ListAtomStates(ctx, x.runID)
	if err != nil {
		return &StorageError{Op: "list atom states", Err: err}
	}

	var failures []string
	for _, rec := range records {
		if _, known := x.graph.atoms[rec.Atom]; !known {
			x.engine.logger.Warn("journal names an atom missing from the flow, ignoring",
				"run_id", x.runID, "atom", rec.Atom)
			continue
		}
		x.state[rec.Atom] = rec.State
		if len(rec.Payload.History) > 0 && x.graph.scopeGuardedBy(rec.Atom) != nil {
			var h History
			if err := json.Unmarshal(rec.Payload.History, &h); err == nil {
				x.histories[rec.Atom] = h
			}
		}
		switch rec.State {
		case storage.AtomSuccess:
			x.adoptSuccess(rec.Atom, rec.Payload.Outputs)
		case storage.AtomFailure:
			failures = append(failures, rec.Atom)
		}
	}

	// Normalize states a crash left behind. Persist before applying, the
	// same discipline as live transitions.
	for _, name := range x.graph.order {
		switch x.state[name] {
		case storage.AtomRunning:
			// Execution was interrupted; run it again.
			if err := x.journalAtom(ctx, name, storage.AtomPending, storage.Payload{}); err != nil {
				return err
			}
		case storage.AtomReverting:
			// Reversion was interrupted; restore SUCCESS and revert again.
			rec, err := x.engine.store.GetAtomState(ctx, x.runID, name)
			if err != nil {
				return &StorageError{Op: "get atom state", Err: err}
			}
			if err := x.journalAtom(ctx, name, storage.AtomSuccess, storage.Payload{Outputs: rec.Payload.Outputs}); err != nil {
				return err
			}
			x.adoptSuccess(name, rec.Payload.Outputs)
		case storage.AtomIgnored, storage.AtomReverted:
			if len(failures) == 0 {
				// No rollback in progress: give the atom another chance.
				if err := x.journalAtom(ctx, name, storage.AtomPending, storage.Payload{}); err != nil {
					return err
				}
			}
		}
	}

	if len(failures) > 0 {
		// Continue the interrupted failure handling.
		x.mode = modeDraining
		x.failedAtom = failures[0]
		rec, err := x.engine.store.GetAtomState(ctx, x.runID, failures[0])
		if err != nil {
			return &StorageError{Op: "get atom state", Err: err}
		}
		x.failureErr = &AtomError{Atom: failures[0], Op: "execute", Err: errors.New(rec.Payload.Failure)}
	}
	return nil
}

// adoptSuccess registers a successful atom's outputs without re-executing it.
func (x *runExecution) adoptSuccess(atom string, outputs map[string]any) {
	x.results[atom] = outputs
	for k, v := range outputs {
		x.values[k] = v
	}
	for i, name := range x.succeeded {
		if name == atom {
			x.succeeded = append(x.succeeded[:i], x.succeeded[i+1:]...)
			break
		}
	}
	x.succeeded = append(x.succeeded, atom)
	observability.LogAtomSkipped(x.engine.logger, atom)
}

// run is the coordinator loop: schedule, wait for a completion, repeat.
func (x *runExecution) run(ctx context.Context) (result *RunResult, runErr error) {
	e := x.engine
	x.started = time.Now()
	x.base = newRunContext(ctx, e.logger, x.runID)
	x.tctx = ctx

	var runSpan trace.Span
	if e.tracing {
		x.tctx, runSpan = e.spans.StartRunSpan(ctx, x.graph.Name(), x.runID)
		defer func() {
			e.spans.EndSpanWithError(runSpan, runErr)
		}()
	}

	observability.LogRunStart(e.logger, x.runID, x.graph.Name())
	if err := x.journalFlow(ctx, storage.FlowRunning); err != nil {
		return nil, err
	}

	for {
		if x.inFlight == 0 {
			if res, finished := x.tryFinish(ctx); finished {
				x.finishObservability(ctx, res)
				return res, nil
			}
		}

		before := x.mode
		x.schedule(ctx)
		if x.inFlight == 0 {
			if x.mode == modeForward && before == modeForward && !x.suspendable(ctx) {
				// Mark the run SUSPENDED (best effort) so the journal stays
				// consistent and the run can be resumed; the claim is
				// released on the way out of execute.
				_ = x.journalFlow(ctx, storage.FlowSuspended)
				observability.LogRunSuspended(x.engine.logger, x.runID, 0)
				return nil, fmt.Errorf("run %s stalled: no runnable atoms", x.runID)
			}
			continue
		}

		c := <-x.done
		x.inFlight--
		x.handleCompletion(ctx, c)
	}
}

// suspendable reports whether the run should stop scheduling forward work.
func (x *runExecution) suspendable(ctx context.Context) bool {
	return x.suspendReq.Load() || ctx.Err() != nil
}

// schedule submits work according to the current mode.
func (x *runExecution) schedule(ctx context.Context) {
	switch x.mode {
	case modeForward:
		if x.suspendable(ctx) {
			return
		}
		for _, name := range x.graph.order {
			if x.state[name] != storage.AtomPending {
				continue
			}
			if !x.depsSatisfied(name) {
				continue
			}
			if err := x.launchExecute(ctx, name); err != nil {
				x.fatalStorage(err)
				return
			}
		}
	case modeScopeRevert, modeRollback:
		// Reverts run one at a time so reverse success order is strict.
		if x.inFlight > 0 || len(x.queue) == 0 {
			return
		}
		name := x.queue[0]
		x.queue = x.queue[1:]
		if err := x.launchRevert(ctx, name); err != nil {
			x.fatalStorage(err)
		}
	}
}

func (x *runExecution) depsSatisfied(name string) bool {
	for _, dep := range x.graph.deps[name] {
		if x.state[dep] != storage.AtomSuccess {
			return false
		}
	}
	return true
}

func (x *runExecution) allSucceeded() bool {
	for _, name := range x.graph.order {
		if x.state[name] != storage.AtomSuccess {
			return false
		}
	}
	return true
}

// tryFinish checks for a terminal condition when nothing is in flight.
// It also advances mode transitions that require a drained pipeline.
func (x *runExecution) tryFinish(ctx context.Context) (*RunResult, bool) {
	switch x.mode {
	case modeHalt:
		// Best effort: the backend may be gone entirely.
		_ = x.engine.store.SetFlowState(ctx, x.runID, storage.FlowSuspended)
		return x.result(storage.FlowSuspended, x.storageErr), true

	case modeForward:
		if x.allSucceeded() {
			if err := x.journalFlow(ctx, storage.FlowSuccess); err != nil {
				return x.result(storage.FlowSuspended, err), true
			}
			return x.result(storage.FlowSuccess, nil), true
		}
		if x.suspendable(ctx) {
			if err := x.journalFlow(ctx, storage.FlowSuspended); err != nil {
				return x.result(storage.FlowSuspended, err), true
			}
			observability.LogRunSuspended(x.engine.logger, x.runID, 0)
			return x.result(storage.FlowSuspended, nil), true
		}
		return nil, false

	case modeDraining:
		x.decide(ctx)
		return nil, false

	case modeScopeRevert:
		if len(x.queue) == 0 {
			x.resetScopeMembers(ctx)
		}
		return nil, false

	case modeRollback:
		if len(x.queue) == 0 {
			if err := x.journalFlow(ctx, storage.FlowReverted); err != nil {
				return x.result(storage.FlowSuspended, err), true
			}
			if err := x.journalFlow(ctx, storage.FlowFailure); err != nil {
				return x.result(storage.FlowSuspended, err), true
			}
			return x.result(storage.FlowFailure, x.failureErr), true
		}
		return nil, false
	}
	return nil, false
}

// result builds the RunResult snapshot.
func (x *runExecution) result(state storage.FlowState, failure error) *RunResult {
	results := make(map[string]map[string]any, len(x.results))
	for atom, out := range x.results {
		results[atom] = out
	}
	return &RunResult{
		RunID:   x.runID,
		State:   state,
		Results: results,
		Failure: failure,
	}
}

// finishObservability records run-level metrics and logs for a finished run.
func (x *runExecution) finishObservability(ctx context.Context, res *RunResult) {
	e := x.engine
	duration := time.Since(x.started)
	durationMs := float64(duration.Milliseconds())
	e.metrics.RecordFlowRun(ctx, string(res.State), duration)
	switch {
	case res.State == storage.FlowSuccess:
		observability.LogRunComplete(e.logger, x.runID, durationMs, len(x.succeeded))
	case res.Failure != nil:
		observability.LogRunError(e.logger, x.runID, res.Failure, durationMs, x.failedAtom)
	}
}

// handleCompletion journals the outcome of one unit and updates bookkeeping.
func (x *runExecution) handleCompletion(ctx context.Context, c Completion) {
	if c.Phase == "revert" {
		x.handleRevertCompletion(ctx, c)
		return
	}

	if c.Err == nil {
		payload := storage.Payload{Outputs: c.Result}
		if err := x.journalAtom(ctx, c.Atom, storage.AtomSuccess, payload); err != nil {
			x.fatalStorage(err)
			return
		}
		x.results[c.Atom] = c.Result
		for k, v := range c.Result {
			x.values[k] = v
		}
		x.succeeded = append(x.succeeded, c.Atom)
		return
	}

	if x.cancelled(c.Err) {
		// The atom did not run (or gave up on cancellation); put it back
		// so a resume re-executes it, and suspend the run.
		if err := x.journalAtom(ctx, c.Atom, storage.AtomPending, storage.Payload{}); err != nil {
			x.fatalStorage(err)
			return
		}
		x.suspendReq.Store(true)
		return
	}

	if err := x.journalAtom(ctx, c.Atom, storage.AtomFailure, storage.Payload{Failure: c.Err.Error()}); err != nil {
		x.fatalStorage(err)
		return
	}
	if x.mode == modeForward {
		x.mode = modeDraining
		x.failedAtom = c.Atom
		x.failureErr = c.Err
	}
}

// handleRevertCompletion journals the outcome of one reversion.
func (x *runExecution) handleRevertCompletion(ctx context.Context, c Completion) {
	switch {
	case c.Err == nil:
		if err := x.journalAtom(ctx, c.Atom, storage.AtomReverted, storage.Payload{}); err != nil {
			x.fatalStorage(err)
			return
		}

	case x.cancelled(c.Err):
		// Treat like a crash: restore the pre-revert state so a resume
		// picks the reversion back up.
		if out, wasSuccess := x.results[c.Atom]; wasSuccess {
			if err := x.journalAtom(ctx, c.Atom, storage.AtomSuccess, storage.Payload{Outputs: out}); err != nil {
				x.fatalStorage(err)
				return
			}
		} else {
			if err := x.journalAtom(ctx, c.Atom, storage.AtomFailure, storage.Payload{Failure: "revert interrupted"}); err != nil {
				x.fatalStorage(err)
				return
			}
		}
		x.suspendReq.Store(true)
		x.queue = nil
		x.mode = modeForward

	default:
		// Reversion failed. The atom stays FAILURE and rollback continues
		// with the rest; a retry scope can no longer be re-run safely.
		if err := x.journalAtom(ctx, c.Atom, storage.AtomFailure, storage.Payload{Failure: c.Err.Error()}); err != nil {
			x.fatalStorage(err)
			return
		}
		x.revertFailed[c.Atom] = true
		if x.mode == modeScopeRevert {
			x.escalateToRollback(ctx)
		}
	}
}

func (x *runExecution) cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// decide consults retry scopes from the failed atom outward and picks the
// recovery action.
func (x *runExecution) decide(ctx context.Context) {
	failure := AttemptRecord{
		Atom:    x.failedAtom,
		Failure: x.failureErr.Error(),
		At:      time.Now().UTC(),
	}

	scope := x.graph.scopeOf(x.failedAtom)
	for scope != nil {
		h := x.histories[scope.name]
		// A crash between journaling FAILURE and persisting the history
		// replays this decision; don't count the same failure twice.
		if len(h) == 0 || h[len(h)-1].Atom != failure.Atom || h[len(h)-1].Failure != failure.Failure {
			h = append(h, failure)
			x.histories[scope.name] = h
			if err := x.persistHistory(ctx, scope.name); err != nil {
				x.fatalStorage(err)
				return
			}
		}

		rctx := x.base.withAtom(scope.name, len(h), h)
		decision := scope.retry.OnFailure(rctx, h)
		observability.LogRetryDecision(x.engine.logger, scope.name, x.failedAtom, string(decision))

		switch decision {
		case DecisionRetry:
			x.beginScopeRevert(scope)
			return
		case DecisionRevertAll:
			x.beginRollback(ctx)
			return
		default:
			scope = scope.parent
		}
	}
	x.beginRollback(ctx)
}

// persistHistory re-journals a retry atom's record with its current history.
// The state does not change, so this bypasses transition validation.
func (x *runExecution) persistHistory(ctx context.Context, retry string) error {
	raw, err := json.Marshal(x.histories[retry])
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	payload := storage.Payload{Outputs: x.results[retry], History: raw}
	if err := x.writeRecord(ctx, retry, x.state[retry], payload); err != nil {
		return err
	}
	return nil
}

// attachHistory adds the retry history to a retry atom's payload so journal
// rewrites never drop it.
func (x *runExecution) attachHistory(atom string, p *storage.Payload) {
	if x.graph.scopeGuardedBy(atom) == nil {
		return
	}
	if h := x.histories[atom]; len(h) > 0 {
		if raw, err := json.Marshal(h); err == nil {
			p.History = raw
		}
	}
}

// beginScopeRevert queues the scope's members for reversion before re-running.
func (x *runExecution) beginScopeRevert(scope *retryScope) {
	x.mode = modeScopeRevert
	x.resetScope = scope
	members := make(map[string]bool, len(scope.members))
	for _, m := range scope.members {
		members[m] = true
	}

	x.queue = nil
	// Failed atoms revert first: their partial effects are the freshest.
	for _, name := range x.graph.order {
		if members[name] && x.state[name] == storage.AtomFailure && !x.revertFailed[name] {
			x.queue = append(x.queue, name)
		}
	}
	for i := len(x.succeeded) - 1; i >= 0; i-- {
		name := x.succeeded[i]
		if members[name] && x.state[name] == storage.AtomSuccess {
			x.queue = append(x.queue, name)
		}
	}
}

// resetScopeMembers returns a reverted scope to PENDING so it runs again.
func (x *runExecution) resetScopeMembers(ctx context.Context) {
	scope := x.resetScope
	x.resetScope = nil

	reset := append([]string{scope.name}, scope.members...)
	for _, name := range reset {
		switch x.state[name] {
		case storage.AtomReverted, storage.AtomSuccess, storage.AtomFailure:
			if err := x.journalAtom(ctx, name, storage.AtomPending, storage.Payload{}); err != nil {
				x.fatalStorage(err)
				return
			}
		}
		x.forget(name)
	}

	x.mode = modeForward
	x.failedAtom = ""
	x.failureErr = nil

	// Concurrent failures outside the scope still need handling.
	for _, name := range x.graph.order {
		if x.state[name] == storage.AtomFailure {
			x.mode = modeDraining
			x.failedAtom = name
			x.failureErr = &AtomError{Atom: name, Op: "execute", Err: errors.New("failed while scope was retrying")}
			return
		}
	}
}

// forget drops an atom's outputs from the value table and success order.
func (x *runExecution) forget(name string) {
	if out, ok := x.results[name]; ok {
		for k := range out {
			delete(x.values, k)
		}
		delete(x.results, name)
	}
	delete(x.inputsOf, name)
	for i, s := range x.succeeded {
		if s == name {
			x.succeeded = append(x.succeeded[:i], x.succeeded[i+1:]...)
			break
		}
	}
}

// beginRollback marks unstarted atoms IGNORED and queues every completed
// atom for reversion in reverse success order.
func (x *runExecution) beginRollback(ctx context.Context) {
	x.mode = modeRollback

	for _, name := range x.graph.order {
		if x.state[name] == storage.AtomPending {
			if err := x.journalAtom(ctx, name, storage.AtomIgnored, storage.Payload{}); err != nil {
				x.fatalStorage(err)
				return
			}
		}
	}

	x.queue = nil
	for _, name := range x.graph.order {
		if x.state[name] == storage.AtomFailure && !x.revertFailed[name] {
			x.queue = append(x.queue, name)
		}
	}
	for i := len(x.succeeded) - 1; i >= 0; i-- {
		name := x.succeeded[i]
		if x.state[name] == storage.AtomSuccess {
			x.queue = append(x.queue, name)
		}
	}
}

// escalateToRollback abandons a scope retry and reverts everything else too.
// beginRollback rebuilds the queue from atom states, so whatever the scope
// had left to revert is re-queued along with the rest.
func (x *runExecution) escalateToRollback(ctx context.Context) {
	x.resetScope = nil
	x.beginRollback(ctx)
}

// launchExecute journals RUNNING and submits the atom's execute unit.
func (x *runExecution) launchExecute(ctx context.Context, name string) error {
	atom := x.graph.atoms[name]
	inputs := x.inputsFor(atom)
	x.inputsOf[name] = inputs

	if err := x.journalAtom(ctx, name, storage.AtomRunning, storage.Payload{}); err != nil {
		return err
	}

	history, attempt := x.historyFor(name)
	actx := x.base.withAtom(name, attempt, history)
	unit := x.executeUnit(atom, actx, inputs, attempt)

	x.inFlight++
	x.engine.strategy.Submit(ctx, unit, x.done)
	return nil
}

// launchRevert journals REVERTING and submits the atom's revert unit.
// The SUCCESS outputs ride along in the REVERTING record so an interrupted
// reversion can be replayed after a crash.
func (x *runExecution) launchRevert(ctx context.Context, name string) error {
	atom := x.graph.atoms[name]
	result := x.results[name]
	inputs := x.inputsOf[name]
	if inputs == nil {
		inputs = x.inputsFor(atom)
	}

	if err := x.journalAtom(ctx, name, storage.AtomReverting, storage.Payload{Outputs: result}); err != nil {
		return err
	}

	history, attempt := x.historyFor(name)
	actx := x.base.withAtom(name, attempt, history)
	unit := x.revertUnit(atom, actx, inputs, result)

	x.inFlight++
	x.engine.strategy.Submit(ctx, unit, x.done)
	return nil
}

// inputsFor resolves an atom's required symbols and merges its injected
// constants over them.
func (x *runExecution) inputsFor(atom Atom) map[string]any {
	inputs := make(map[string]any)
	for _, symbol := range atom.Requires() {
		if v, ok := x.values[symbol]; ok {
			inputs[symbol] = v
		}
	}
	if inj, ok := atom.(injector); ok {
		for k, v := range inj.Injected() {
			inputs[k] = v
		}
	}
	return inputs
}

// historyFor returns the failure history visible to an atom and the attempt
// number derived from it. A retry controller sees its own scope's history;
// a member sees its nearest enclosing scope's.
func (x *runExecution) historyFor(name string) (History, int) {
	var h History
	if scope := x.graph.scopeGuardedBy(name); scope != nil {
		h = x.histories[name]
	} else if scope := x.graph.scopeOf(name); scope != nil {
		h = x.histories[scope.name]
	}
	return h, len(h) + 1
}

// executeUnit builds the closure the strategy runs for one execution.
// Validation, panic recovery, metrics, spans, and logging all happen inside
// the unit so they run on the strategy's goroutine, not the coordinator's.
func (x *runExecution) executeUnit(atom Atom, actx Context, inputs map[string]any, attempt int) func() Completion {
	e := x.engine
	name := atom.Name()
	return func() (c Completion) {
		c = Completion{Atom: name, Phase: "execute"}
		if err := actx.Err(); err != nil {
			c.Err = err
			return c
		}

		tctx := x.tctx
		var span trace.Span
		if e.tracing {
			tctx, span = e.spans.StartAtomSpan(x.tctx, name, "execute")
		}
		observability.LogAtomStart(e.logger, name, attempt)
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				c.Result = nil
				c.Err = &PanicError{Atom: name, Value: r, Stack: string(debug.Stack())}
			}
			duration := time.Since(start)
			e.metrics.RecordAtomExecution(tctx, name, duration, c.Err)
			if e.tracing {
				e.spans.EndSpanWithError(span, c.Err)
			}
			if c.Err != nil {
				observability.LogAtomError(e.logger, name, c.Err)
			} else {
				observability.LogAtomComplete(e.logger, name, float64(duration.Milliseconds()))
			}
		}()

		if v, ok := atom.(validated); ok {
			for symbol, validate := range v.Validators() {
				if err := validate(inputs[symbol]); err != nil {
					c.Err = &AtomError{Atom: name, Op: "validate", Err: fmt.Errorf("symbol %q: %w", symbol, err)}
					return c
				}
			}
		}

		out, err := atom.Execute(actx, inputs)
		if err != nil {
			c.Err = &AtomError{Atom: name, Op: "execute", Err: err}
			return c
		}
		c.Result = out
		return c
	}
}

// revertUnit builds the closure the strategy runs for one reversion.
func (x *runExecution) revertUnit(atom Atom, actx Context, inputs, result map[string]any) func() Completion {
	e := x.engine
	name := atom.Name()
	return func() (c Completion) {
		c = Completion{Atom: name, Phase: "revert"}
		if err := actx.Err(); err != nil {
			c.Err = err
			return c
		}

		tctx := x.tctx
		var span trace.Span
		if e.tracing {
			tctx, span = e.spans.StartAtomSpan(x.tctx, name, "revert")
		}
		observability.LogRevertStart(e.logger, name)
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				c.Err = &PanicError{Atom: name, Value: r, Stack: string(debug.Stack())}
			}
			duration := time.Since(start)
			e.metrics.RecordAtomRevert(tctx, name, duration, c.Err)
			if e.tracing {
				e.spans.EndSpanWithError(span, c.Err)
			}
			if c.Err != nil {
				observability.LogRevertError(e.logger, name, c.Err)
			} else {
				observability.LogRevertComplete(e.logger, name, float64(duration.Milliseconds()))
			}
		}()

		if err := atom.Revert(actx, inputs, result); err != nil {
			c.Err = &AtomError{Atom: name, Op: "revert", Err: err}
		}
		return c
	}
}

// journalAtom persists an atom transition before applying it in memory.
// The journal is the source of truth: if the write fails, the in-memory
// state does not change.
func (x *runExecution) journalAtom(ctx context.Context, atom string, to storage.AtomState, p storage.Payload) error {
	from := x.state[atom]
	if !storage.ValidTransition(from, to) {
		return fmt.Errorf("invalid transition for atom %s: %s -> %s", atom, from, to)
	}
	// Retry history rides along on every write so state resets never drop it.
	x.attachHistory(atom, &p)
	if err := x.writeRecord(ctx, atom, to, p); err != nil {
		return err
	}
	x.state[atom] = to
	x.engine.notifier.Publish(notify.Transition{
		RunID: x.runID,
		Flow:  x.graph.Name(),
		Atom:  atom,
		From:  string(from),
		To:    string(to),
		At:    time.Now().UTC(),
	})
	return nil
}

// writeRecord writes an atom record without transition validation.
func (x *runExecution) writeRecord(ctx context.Context, atom string, state storage.AtomState, p storage.Payload) error {
	err := x.engine.store.SetAtomState(ctx, x.runID, atom, state, p)
	x.engine.metrics.RecordJournalWrite(ctx, "set_atom_state", err)
	if err != nil {
		observability.LogJournalError(x.engine.logger, atom, "set_atom_state", err)
		return &StorageError{Op: "set atom state", Err: err}
	}
	return nil
}

// journalFlow persists a flow-level transition.
func (x *runExecution) journalFlow(ctx context.Context, to storage.FlowState) error {
	err := x.engine.store.SetFlowState(ctx, x.runID, to)
	x.engine.metrics.RecordJournalWrite(ctx, "set_flow_state", err)
	if err != nil {
		observability.LogJournalError(x.engine.logger, "", "set_flow_state", err)
		return &StorageError{Op: "set flow state", Err: err}
	}
	x.engine.notifier.Publish(notify.Transition{
		RunID: x.runID,
		Flow:  x.graph.Name(),
		To:    string(to),
		At:    time.Now().UTC(),
	})
	return nil
}

// fatalStorage halts the run after a journal failure. The run stays
// resumable: whatever was journaled before the failure is authoritative.
func (x *runExecution) fatalStorage(err error) {
	if x.storageErr == nil {
		x.storageErr = err
	}
	x.mode = modeHalt
	x.queue = nil
}
