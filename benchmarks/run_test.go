package benchmarks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/atomflow/atomflow/pkg/atomflow"
	"github.com/atomflow/atomflow/pkg/atomflow/storage"
)

// benchEngine builds an engine that logs nowhere.
func benchEngine(b *testing.B, opts ...atomflow.Option) *atomflow.Engine {
	b.Helper()
	opts = append([]atomflow.Option{
		atomflow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	e, err := atomflow.New(opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = e.Close() })
	return e
}

func benchRun(b *testing.B, e *atomflow.Engine, graph *atomflow.ExecutionGraph) {
	b.Helper()
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := e.Run(ctx, graph, nil)
		if err != nil {
			b.Fatal(err)
		}
		if res.State != storage.FlowSuccess {
			b.Fatalf("run ended %s: %v", res.State, res.Failure)
		}
	}
}

func BenchmarkRun_Linear_5(b *testing.B) {
	benchRun(b, benchEngine(b), mustCompile(b, buildLinearFlow(5)))
}

func BenchmarkRun_Linear_50(b *testing.B) {
	benchRun(b, benchEngine(b), mustCompile(b, buildLinearFlow(50)))
}

func BenchmarkRun_Chained_50(b *testing.B) {
	benchRun(b, benchEngine(b), mustCompile(b, buildChainedFlow(50)))
}

func BenchmarkRun_Fan_50_Pool(b *testing.B) {
	e := benchEngine(b, atomflow.WithStrategy(atomflow.NewPoolStrategy(8)))
	benchRun(b, e, mustCompile(b, buildFanFlow(50)))
}

var errFlaky = errors.New("flaky")

func BenchmarkRun_Retry(b *testing.B) {
	// One failed attempt plus the successful re-run per iteration.
	flaky := atomflow.NewTask("flaky",
		atomflow.WithExecute(func(ctx atomflow.Context, _ map[string]any) (map[string]any, error) {
			if ctx.Attempt() == 1 {
				return nil, errFlaky
			}
			return nil, nil
		}),
	)
	flow := atomflow.NewLinearFlow("bench-retry").
		Add(flaky).
		WithRetry(atomflow.NewTimes("r", 2))
	benchRun(b, benchEngine(b), mustCompile(b, flow))
}

func BenchmarkRun_Linear_5_SQLite(b *testing.B) {
	store, err := storage.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })

	e := benchEngine(b, atomflow.WithStore(store))
	benchRun(b, e, mustCompile(b, buildLinearFlow(5)))
}
