package buildsys

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, call := range l.calls {
		if call == name {
			n++
		}
	}
	return n
}

func recordingLeaf(log *callLog, name string, err error) *Task {
	return NewLeaf(name, "", func(ctx context.Context) error {
		log.add(name)
		return err
	})
}

func newTestEngine(t *testing.T, tasks ...*Task) *Engine {
	t.Helper()

	registry := NewRegistry()
	for _, task := range tasks {
		if err := registry.Register(context.Background(), task); err != nil {
			t.Fatalf("failed to register %s: %v", task.Short, err)
		}
	}
	return NewEngine(registry)
}

func TestRun_DiamondRunsSharedTaskOnce(t *testing.T) {
	log := &callLog{}
	engine := newTestEngine(t,
		recordingLeaf(log, "shared", nil),
		NewSeries("left", "", "shared"),
		NewSeries("right", "", "shared"),
		NewParallel("root", "", "left", "right", "shared"),
	)

	if err := engine.Run(context.Background(), "root"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := log.count("shared"); n != 1 {
		t.Fatalf("expected shared to run once, ran %d times", n)
	}
}

func TestRun_EachInvocationRunsAgain(t *testing.T) {
	log := &callLog{}
	engine := newTestEngine(t,
		recordingLeaf(log, "a", nil),
		NewSeries("root", "", "a"),
	)

	for i := 0; i < 2; i++ {
		if err := engine.Run(context.Background(), "root"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if n := log.count("a"); n != 2 {
		t.Fatalf("expected a to run once per invocation (2), got %d", n)
	}
}

func TestRun_CyclesAreDetected(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		root  string
		cycle []string
	}{
		{
			name:  "self reference",
			tasks: []*Task{NewSeries("a", "", "a")},
			root:  "a",
			cycle: []string{"a", "a"},
		},
		{
			name: "mutual reference",
			tasks: []*Task{
				NewSeries("a", "", "b"),
				NewParallel("b", "", "a"),
			},
			root:  "a",
			cycle: []string{"a", "b", "a"},
		},
		{
			name: "indirect",
			tasks: []*Task{
				NewSeries("root", "", "leaf", "a"),
				NewLeaf("leaf", "", func(context.Context) error { return nil }),
				NewSeries("a", "", "b"),
				NewSeries("b", "", "c"),
				NewSeries("c", "", "a"),
			},
			root:  "root",
			cycle: []string{"a", "b", "c", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, tt.tasks...)

			done := make(chan error, 1)
			go func() { done <- engine.Run(context.Background(), tt.root) }()

			select {
			case err := <-done:
				var cycleErr *CyclicTaskError
				if !errors.As(err, &cycleErr) {
					t.Fatalf("expected CyclicTaskError, got %v", err)
				}
				if len(cycleErr.Cycle) != len(tt.cycle) {
					t.Fatalf("expected cycle %v, got %v", tt.cycle, cycleErr.Cycle)
				}
				for idx := range tt.cycle {
					if cycleErr.Cycle[idx] != tt.cycle[idx] {
						t.Fatalf("expected cycle %v, got %v", tt.cycle, cycleErr.Cycle)
					}
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return")
			}
		})
	}
}

func TestRun_CycleCheckHappensBeforeExecution(t *testing.T) {
	log := &callLog{}
	engine := newTestEngine(t,
		recordingLeaf(log, "first", nil),
		NewSeries("root", "", "first", "loop"),
		NewSeries("loop", "", "root"),
	)

	err := engine.Run(context.Background(), "root")
	var cycleErr *CyclicTaskError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CyclicTaskError, got %v", err)
	}
	if n := log.count("first"); n != 0 {
		t.Fatalf("expected nothing to run, first ran %d times", n)
	}
}

func TestRun_UnknownTask(t *testing.T) {
	engine := newTestEngine(t, NewSeries("root", "", "missing"))

	var unknown *UnknownTaskError
	err := engine.Run(context.Background(), "nope")
	if !errors.As(err, &unknown) || unknown.Name != "nope" {
		t.Fatalf("expected UnknownTaskError for nope, got %v", err)
	}

	err = engine.Run(context.Background(), "root")
	if !errors.As(err, &unknown) || unknown.Name != "missing" || unknown.Parent != "root" {
		t.Fatalf("expected UnknownTaskError for missing, got %v", err)
	}
}

func TestRun_SequenceStopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	cause := eris.New("b exploded")

	touch := func(name string, err error) *Task {
		return NewLeaf(name, "", func(context.Context) error {
			if wErr := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); wErr != nil {
				return wErr
			}
			return err
		})
	}

	engine := newTestEngine(t,
		touch("A", nil),
		touch("B", cause),
		touch("C", nil),
		NewSeries("root", "", "A", "B", "C"),
	)

	err := engine.Run(context.Background(), "root")
	if err == nil {
		t.Fatal("expected an error")
	}

	if FailedTask(err) != "B" {
		t.Errorf("expected B to be reported, got %q (%v)", FailedTask(err), err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected the original cause to be preserved, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "A")); err != nil {
		t.Errorf("A's side effect is missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "C")); !os.IsNotExist(err) {
		t.Errorf("C should never have started")
	}
}

func TestRun_ParallelReportsFirstFailureAndCount(t *testing.T) {
	dir := t.TempDir()
	releaseB := make(chan struct{})

	engine := newTestEngine(t,
		NewLeaf("A", "", func(context.Context) error {
			_ = os.WriteFile(filepath.Join(dir, "A.partial"), []byte("a"), 0o644)
			close(releaseB)
			return eris.New("A failed")
		}),
		NewLeaf("B", "", func(context.Context) error {
			<-releaseB
			// give A's failure time to be recorded first
			time.Sleep(100 * time.Millisecond)
			_ = os.WriteFile(filepath.Join(dir, "B.partial"), []byte("b"), 0o644)
			return eris.New("B failed")
		}),
		NewParallel("root", "", "B", "A"),
	)

	err := engine.Run(context.Background(), "root")

	var parErr *ParallelError
	if !errors.As(err, &parErr) {
		t.Fatalf("expected ParallelError, got %v", err)
	}
	if parErr.Others != 1 {
		t.Errorf("expected 1 other failure, got %d", parErr.Others)
	}
	if FailedTask(parErr.First) != "A" {
		t.Errorf("expected A (first to complete) as primary failure, got %v", parErr.First)
	}

	for _, name := range []string{"A.partial", "B.partial"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to survive the failure: %v", name, err)
		}
	}
}

func TestRun_ParallelWaitsForAllSiblings(t *testing.T) {
	var finished atomic.Int32

	engine := newTestEngine(t,
		NewLeaf("fast-fail", "", func(context.Context) error {
			return eris.New("nope")
		}),
		NewLeaf("slow", "", func(context.Context) error {
			time.Sleep(50 * time.Millisecond)
			finished.Add(1)
			return nil
		}),
		NewParallel("root", "", "fast-fail", "slow"),
	)

	err := engine.Run(context.Background(), "root")
	if err == nil {
		t.Fatal("expected an error")
	}
	if finished.Load() != 1 {
		t.Fatal("expected slow sibling to finish before Run returned")
	}
}

func TestRun_ParallelLimit(t *testing.T) {
	var running, peak atomic.Int32

	leaf := func(name string) *Task {
		return NewLeaf(name, "", func(context.Context) error {
			now := running.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}

	registry := NewRegistry()
	registry.MustRegister(context.Background(),
		leaf("a"), leaf("b"), leaf("c"), leaf("d"),
		NewParallel("root", "", "a", "b", "c", "d"),
	)

	engine := NewEngine(registry, WithParallelism(2))
	if err := engine.Run(context.Background(), "root"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent leaves, saw %d", peak.Load())
	}
}

func TestRun_SharedFailureIsReused(t *testing.T) {
	log := &callLog{}
	engine := newTestEngine(t,
		recordingLeaf(log, "broken", eris.New("broken")),
		NewParallel("root", "", "x", "y"),
		NewSeries("x", "", "broken"),
		NewSeries("y", "", "broken"),
	)

	err := engine.Run(context.Background(), "root")
	var parErr *ParallelError
	if !errors.As(err, &parErr) || parErr.Others != 1 {
		t.Fatalf("expected both branches to fail, got %v", err)
	}
	if n := log.count("broken"); n != 1 {
		t.Fatalf("expected broken to run once, ran %d times", n)
	}
}

type memRecorder struct {
	mu      sync.Mutex
	next    uint64
	records []RunRecord
}

func (r *memRecorder) NextInvocation() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return r.next, nil
}

func (r *memRecorder) Record(ctx context.Context, rec RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func TestRun_RecordsEveryTask(t *testing.T) {
	rec := &memRecorder{}
	registry := NewRegistry()
	registry.MustRegister(context.Background(),
		NewLeaf("ok", "", func(ctx context.Context) error {
			if Invocation(ctx) != 1 {
				return eris.Errorf("unexpected invocation %d", Invocation(ctx))
			}
			return nil
		}),
		NewLeaf("bad", "", func(context.Context) error { return eris.New("bad") }),
		NewSeries("root", "", "ok", "bad"),
	)

	engine := NewEngine(registry, WithRecorder(rec))
	if err := engine.Run(context.Background(), "root"); err == nil {
		t.Fatal("expected an error")
	}

	if len(rec.records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(rec.records))
	}

	last := rec.records[len(rec.records)-1]
	if last.Task != "root" || last.Kind != "series" || last.Error == "" || last.Invocation != 1 {
		t.Fatalf("unexpected record for root: %+v", last)
	}
	if rec.records[0].Task != "ok" || rec.records[0].Error != "" {
		t.Fatalf("unexpected record for ok: %+v", rec.records[0])
	}
}

func TestRun_DryRunSkipsActions(t *testing.T) {
	log := &callLog{}
	registry := NewRegistry()
	registry.MustRegister(context.Background(), recordingLeaf(log, "a", nil))

	engine := NewEngine(registry, WithDryRun(true))
	if err := engine.Run(context.Background(), "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := log.count("a"); n != 0 {
		t.Fatalf("expected no execution in dry-run mode, got %d", n)
	}
}

func TestRun_NestedInvocationLogsOneId(t *testing.T) {
	var out bytes.Buffer
	logger := zerolog.New(&out)

	registry := NewRegistry()
	engine := NewEngine(registry)
	registry.MustRegister(context.Background(),
		NewLeaf("inner", "", func(ctx context.Context) error {
			Log(ctx).Info().Msg("inside")
			return nil
		}),
		NewLeaf("direct", "", func(ctx context.Context) error {
			return engine.Run(ctx, "inner")
		}),
		NewLeaf("session", "", func(ctx context.Context) error {
			sessionLogger := OuterLog(ctx).With().Str("session", "s1").Logger()
			return engine.Run(WithLogger(ctx, &sessionLogger), "inner")
		}),
	)

	for _, name := range []string{"direct", "session"} {
		out.Reset()
		if err := engine.Run(WithLogger(context.Background(), &logger), name); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		found := false
		for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
			if n := strings.Count(line, `"invocation":`); n > 1 {
				t.Errorf("%s: invocation logged %d times in %s", name, n, line)
			}
			if strings.Contains(line, `"inside"`) {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: inner task didn't log", name)
		}
	}
}
