package atomflow

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/atomflow/atomflow/pkg/atomflow/config"
	"github.com/atomflow/atomflow/pkg/atomflow/registry"
)

// Completion is the result of one unit of work, delivered back to the
// engine's coordinator over a channel.
type Completion struct {
	// Atom is the atom that ran.
	Atom string
	// Phase is "execute" or "revert".
	Phase string
	// Result holds the atom's outputs on successful execution.
	Result map[string]any
	// Err is the failure, if any.
	Err error
}

// Strategy decides where units of work run. The engine submits ready atoms
// and collects completions on a channel; it never blocks on individual units.
//
// Implementations must run the unit exactly once per Submit and deliver its
// Completion on done. Units carry their own context and short-circuit when it
// is cancelled, so strategies never synthesize completions themselves.
type Strategy interface {
	// Start prepares the strategy for submissions.
	Start() error

	// Submit schedules one unit of work. ctx only bounds how long the
	// strategy may delay the unit, not the unit itself.
	Submit(ctx context.Context, run func() Completion, done chan<- Completion)

	// Stop waits for in-flight units and releases resources.
	Stop() error
}

// StrategyFactory constructs a Strategy from configuration.
type StrategyFactory func(cfg config.Config) (Strategy, error)

var strategies = registry.New[string, StrategyFactory]()

func init() {
	RegisterStrategy("serial", func(config.Config) (Strategy, error) {
		return NewSerialStrategy(), nil
	})
	RegisterStrategy("pool", func(cfg config.Config) (Strategy, error) {
		return NewPoolStrategy(cfg.Int("workers", runtime.NumCPU())), nil
	})
}

// RegisterStrategy makes an execution strategy available under the given
// name. Registering an existing name replaces the previous factory.
func RegisterStrategy(name string, f StrategyFactory) {
	strategies.Register(name, f)
}

// NewStrategy resolves a strategy by name and constructs it from cfg.
// An unregistered name yields ErrUnknownStrategy.
func NewStrategy(name string, cfg config.Config) (Strategy, error) {
	factory, ok := strategies.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return factory(cfg)
}

// Strategies returns the names of all registered strategies.
func Strategies() []string {
	return strategies.Keys()
}

// SerialStrategy runs every unit inline on the caller's goroutine.
// Atoms never overlap, which makes runs fully deterministic.
type SerialStrategy struct{}

// NewSerialStrategy creates a serial strategy.
func NewSerialStrategy() *SerialStrategy {
	return &SerialStrategy{}
}

// Start implements Strategy.
func (s *SerialStrategy) Start() error { return nil }

// Submit implements Strategy. The unit runs before Submit returns.
func (s *SerialStrategy) Submit(_ context.Context, run func() Completion, done chan<- Completion) {
	done <- run()
}

// Stop implements Strategy.
func (s *SerialStrategy) Stop() error { return nil }

// PoolStrategy runs units on goroutines bounded by a worker limit.
// Submissions never block the coordinator: each unit waits for a slot on
// its own goroutine.
type PoolStrategy struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPoolStrategy creates a pool strategy with the given concurrency limit.
// A limit below 1 is treated as 1.
func NewPoolStrategy(workers int) *PoolStrategy {
	if workers < 1 {
		workers = 1
	}
	return &PoolStrategy{
		sem: make(chan struct{}, workers),
	}
}

// Start implements Strategy.
func (p *PoolStrategy) Start() error { return nil }

// Submit implements Strategy.
func (p *PoolStrategy) Submit(ctx context.Context, run func() Completion, done chan<- Completion) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			// No slot needed: the unit sees the cancellation and
			// short-circuits.
		}

		done <- run()
	}()
}

// Stop implements Strategy. Blocks until in-flight units finish.
func (p *PoolStrategy) Stop() error {
	p.wg.Wait()
	return nil
}
