/*
Package atomflow provides durable orchestration of task flows.

# Overview

atomflow is a Go library for declaring flows of atoms (units of work with
optional compensation), compiling them into a dependency graph, and
executing them with crash recovery. Every atom transition is journaled
before it takes effect, so a run interrupted by a crash resumes exactly
where it left off, and a failed run rolls completed work back in reverse
order.

The library offers:
  - Declarative dataflow: atoms name the symbols they require and provide,
    and the compiler derives execution order from those declarations
  - Write-ahead journaling to pluggable backends (memory, SQLite)
  - Automatic rollback with per-scope retry controllers
  - Pluggable execution strategies (serial, bounded goroutine pool)
  - OpenTelemetry integration for observability

# Basic Usage

Declare tasks, compose them into a flow, compile, and run:

	allocate := atomflow.NewTask("allocate",
	    atomflow.WithRequires("request"),
	    atomflow.WithProvides("address"),
	    atomflow.WithExecute(func(ctx atomflow.Context, in map[string]any) (map[string]any, error) {
	        addr, err := pool.Allocate(ctx, in["request"].(string))
	        if err != nil {
	            return nil, err
	        }
	        return map[string]any{"address": addr}, nil
	    }),
	    atomflow.WithRevert(func(ctx atomflow.Context, in, out map[string]any) error {
	        return pool.Release(ctx, out["address"].(string))
	    }),
	)

	flow := atomflow.NewLinearFlow("provision").Add(allocate, configure)

	graph, err := atomflow.Compile(flow)
	if err != nil {
	    log.Fatal(err)
	}

	engine, err := atomflow.New()
	if err != nil {
	    log.Fatal(err)
	}
	defer engine.Close()

	result, err := engine.Run(context.Background(), graph, map[string]any{"request": "web-1"})

# Flows

Three flow kinds control structural ordering:

  - NewLinearFlow: children run strictly in declaration order
  - NewUnorderedFlow: children run in any order their data allows
  - NewGraphFlow: children are ordered by explicit Link calls

Flows nest freely. Data dependencies apply everywhere: an atom that
requires "address" always runs after the atom that provides it, whatever
the flow structure says.

# Rollback and Retries

When an atom fails, the engine marks unstarted atoms IGNORED and calls
Revert on every completed atom in reverse completion order. Attach a
retry controller to a flow to intercept failures in its subtree:

	flow := atomflow.NewLinearFlow("provision").
	    Add(allocate, configure).
	    WithRetry(atomflow.NewTimes("provision-retry", 3))

On failure the controller decides: RETRY reverts the scope and runs it
again, REVERT escalates to the enclosing scope, REVERT_ALL rolls the
whole flow back. Builtin controllers: AlwaysRevert, AlwaysRevertAll,
Times, ForEach, ParameterizedForEach.

# Durability and Resume

Runs journal to a storage backend; SQLite survives process restarts:

	store, err := storage.NewSQLiteStore("./runs.db")
	engine, err := atomflow.New(atomflow.WithStore(store))

	result, err := engine.Run(ctx, graph, inputs)

	// After a crash:
	result, err = engine.Resume(ctx, graph, runID, inputs)

Resume replays nothing that finished: SUCCESS atoms keep their stored
outputs, atoms caught mid-execution run again, and an interrupted
rollback picks up where it stopped. Resuming an already-finished run
returns the recorded outcome.

# Execution Strategies

The engine delegates atom execution to a Strategy. The serial strategy
runs atoms inline, one at a time; the pool strategy runs independent
atoms concurrently on a bounded set of goroutines:

	engine, err := atomflow.New(
	    atomflow.WithStrategy(atomflow.NewPoolStrategy(8)),
	)

Whatever the strategy, a single coordinator goroutine owns each run's
state and journal, so stores and callbacks never see concurrent writers
for one run.

# Configuration

Engines can be built from YAML configuration:

	cfg, err := config.FromFile("atomflow.yaml")
	engine, err := atomflow.FromConfig(cfg)

	# atomflow.yaml
	storage:
	  backend: sqlite
	  path: runs.db
	strategy:
	  name: pool
	  workers: 8
	metrics: true

# Observability

Logs include structured fields: run_id, atom, attempt, duration_ms.
OpenTelemetry metrics: atomflow.atom.executions, atomflow.atom.latency_ms,
atomflow.flow.runs, etc. OpenTelemetry tracing: atomflow.run >
atomflow.atom.{name} spans. Subscribe to the engine's Notifier for
programmatic transition events.

# Error Handling

Errors include context about which atom failed:

	result, err := engine.Run(ctx, graph, inputs)
	var atomErr *atomflow.AtomError
	if errors.As(result.Failure, &atomErr) {
	    log.Printf("atom %s failed: %v", atomErr.Atom, atomErr.Err)
	}

Panics in atoms are recovered and converted to PanicError with a stack
trace; the run rolls back like any other failure.

# Thread Safety

  - Flow is NOT safe for concurrent use during construction
  - ExecutionGraph IS safe for concurrent use (immutable)
  - Engine IS safe for concurrent use; runs proceed independently
  - Store implementations are safe for concurrent use

# Subpackages

  - storage: journal backends (memory, SQLite) and the backend registry
  - config: YAML/JSON configuration loading
  - notify: synchronous transition notifications
  - observability: logging, metrics, and tracing helpers
  - registry: generic name registries used by storage and strategies
*/
package atomflow
