package buildsys

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		invocation uint64
		tasks      TaskList
		logger     *zerolog.Logger
		// logger without the invocation field, nested runs derive theirs from it
		baseLogger *zerolog.Logger

		mu       sync.Mutex
		runTasks map[string]*taskOutcome
	}
	taskOutcome struct {
		done chan struct{}
		err  error
	}
)

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	return ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
}

// Invocation returns the id of the invocation ctx belongs to, or 0 outside of a task
func Invocation(ctx context.Context) uint64 {
	rctx, ok := ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
	if !ok {
		return 0
	}
	return rctx.invocation
}

// RunRecord describes a finished task
type RunRecord struct {
	Invocation uint64
	Task       string
	Kind       string
	Started    time.Time
	Duration   time.Duration
	Error      string
}

// Recorder hands out invocation ids and stores the outcome of each task
type Recorder interface {
	NextInvocation() (uint64, error)
	Record(ctx context.Context, rec RunRecord) error
}

// Engine resolves task names against a registry and executes them
type Engine struct {
	registry    *Registry
	recorder    Recorder
	parallelism int
	dryRun      bool
}

// Option configures an Engine
type Option func(*Engine)

// WithRecorder stores every finished task in the given recorder
func WithRecorder(rec Recorder) Option {
	return func(e *Engine) {
		e.recorder = rec
	}
}

// WithParallelism caps the number of children a parallel task runs at the same time.
// Values <= 0 mean no limit.
func WithParallelism(limit int) Option {
	return func(e *Engine) {
		e.parallelism = limit
	}
}

// WithDryRun only logs leaf tasks instead of executing them
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) {
		e.dryRun = dryRun
	}
}

// NewEngine creates an engine for the given registry
func NewEngine(registry *Registry, opts ...Option) *Engine {
	e := &Engine{registry: registry}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry this engine resolves tasks from
func (e *Engine) Registry() *Registry {
	return e.registry
}

var invocationCounter uint64

func (e *Engine) nextInvocation() (uint64, error) {
	if e.recorder != nil {
		return e.recorder.NextInvocation()
	}
	return atomic.AddUint64(&invocationCounter, 1), nil
}

// Run executes the named task and everything it's composed of. Each call is a new invocation:
// tasks referenced several times are executed at most once within it.
func (e *Engine) Run(ctx context.Context, name string) error {
	tasks := e.registry.Snapshot()

	// fail before anything runs if the graph is broken
	if err := checkGraph(tasks, name); err != nil {
		return err
	}

	id, err := e.nextInvocation()
	if err != nil {
		return err
	}

	baseLogger := OuterLog(ctx)

	rctx := runtimeCtx{
		invocation: id,
		tasks:      tasks,
		baseLogger: baseLogger,
		runTasks:   make(map[string]*taskOutcome),
	}

	logger := baseLogger.With().Uint64("invocation", id).Logger()
	rctx.logger = &logger
	ctx = context.WithValue(ctx, runtimeCtxKey{}, &rctx)
	ctx = WithLogger(ctx, &logger)

	return e.runTask(ctx, name, nil)
}

func (e *Engine) runTask(ctx context.Context, name string, chain []string) error {
	for idx, ancestor := range chain {
		if ancestor == name {
			cycle := make([]string, 0, len(chain)-idx+1)
			cycle = append(cycle, chain[idx:]...)
			return &CyclicTaskError{Cycle: append(cycle, name)}
		}
	}

	rctx := getRuntimeCtx(ctx)
	rctx.mu.Lock()
	outcome, found := rctx.runTasks[name]
	if found {
		rctx.mu.Unlock()
		<-outcome.done
		Log(ctx).Debug().Str("task", name).Msg("already run")
		return outcome.err
	}

	outcome = &taskOutcome{done: make(chan struct{})}
	rctx.runTasks[name] = outcome
	rctx.mu.Unlock()

	outcome.err = e.execute(ctx, name, chain)
	close(outcome.done)
	return outcome.err
}

func (e *Engine) execute(ctx context.Context, name string, chain []string) error {
	rctx := getRuntimeCtx(ctx)
	task, ok := rctx.tasks[name]
	if !ok {
		parent := ""
		if len(chain) > 0 {
			parent = chain[len(chain)-1]
		}
		return &UnknownTaskError{Name: name, Parent: parent}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	chain = append(chain[:len(chain):len(chain)], name)
	started := time.Now()

	var err error
	switch runner := task.Runner.(type) {
	case Leaf:
		Log(ctx).Info().Str("task", name).Msg("starting")
		if !e.dryRun {
			err = runner.Action(ctx)
		}

		if err != nil {
			if _, ok := err.(*TaskError); !ok {
				err = &TaskError{Task: name, Err: err}
			}
		}
	case Sequence:
		for _, child := range runner.Children {
			err = e.runTask(ctx, child, chain)
			if err != nil {
				break
			}
		}
	case Parallel:
		err = e.runParallel(ctx, name, runner.Children, chain)
	}

	duration := time.Since(started)
	if err != nil {
		Log(ctx).Debug().Str("task", name).Dur("duration", duration).Msg("failed")
	} else {
		event := Log(ctx).Debug()
		if task.Runner.kind() == "leaf" {
			event = Log(ctx).Info()
		}
		event.Str("task", name).Dur("duration", duration).Msg("finished")
	}

	if e.recorder != nil {
		rec := RunRecord{
			Invocation: rctx.invocation,
			Task:       name,
			Kind:       task.Runner.kind(),
			Started:    started,
			Duration:   duration,
		}
		if err != nil {
			rec.Error = err.Error()
		}

		if rErr := e.recorder.Record(ctx, rec); rErr != nil {
			Log(ctx).Warn().Err(rErr).Str("task", name).Msg("failed to record task result")
		}
	}

	return err
}

func (e *Engine) runParallel(ctx context.Context, name string, children []string, chain []string) error {
	var (
		mu       sync.Mutex
		failures []error
		group    errgroup.Group
	)

	if e.parallelism > 0 {
		group.SetLimit(e.parallelism)
	}

	for _, child := range children {
		child := child
		group.Go(func() error {
			err := e.runTask(ctx, child, chain)
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}

			// siblings always run to completion
			return nil
		})
	}
	_ = group.Wait()

	if len(failures) == 0 {
		return nil
	}

	return &ParallelError{
		Task:   name,
		First:  failures[0],
		Others: len(failures) - 1,
	}
}
