package buildsys

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
)

// Action is the unit of work behind a leaf task
type Action func(ctx context.Context) error

// Runner describes how a task executes. It's implemented by Leaf, Sequence and Parallel.
type Runner interface {
	children() []string
	kind() string
}

// Leaf runs a single action, usually an external tool or a filesystem step
type Leaf struct {
	Action Action
}

// Sequence runs its children one after another and stops at the first failure
type Sequence struct {
	Children []string
}

// Parallel starts all children at once and waits for all of them to finish
type Parallel struct {
	Children []string
}

func (Leaf) children() []string     { return nil }
func (s Sequence) children() []string { return s.Children }
func (p Parallel) children() []string { return p.Children }

func (Leaf) kind() string     { return "leaf" }
func (Sequence) kind() string { return "series" }
func (Parallel) kind() string { return "parallel" }

// Task binds a runner to a name
type Task struct {
	Short  string
	Desc   string
	Hidden bool
	Runner Runner
}

// NewLeaf builds a leaf task
func NewLeaf(name, desc string, action Action) *Task {
	return &Task{Short: name, Desc: desc, Runner: Leaf{Action: action}}
}

// NewSeries builds a sequence task
func NewSeries(name, desc string, children ...string) *Task {
	return &Task{Short: name, Desc: desc, Runner: Sequence{Children: children}}
}

// NewParallel builds a parallel task
func NewParallel(name, desc string, children ...string) *Task {
	return &Task{Short: name, Desc: desc, Runner: Parallel{Children: children}}
}

func (t *Task) validate() error {
	if t.Short == "" {
		return eris.New("task name is required")
	}

	switch r := t.Runner.(type) {
	case Leaf:
		if r.Action == nil {
			return eris.Errorf("leaf task %s has no action", t.Short)
		}
	case Sequence, Parallel:
		seen := make(map[string]bool, len(r.children()))
		for idx, child := range r.children() {
			if child == "" {
				return eris.Errorf("%s task %s has an empty child name at position %d", r.kind(), t.Short, idx)
			}
			if seen[child] {
				return eris.Errorf("%s task %s lists %s more than once", r.kind(), t.Short, child)
			}
			seen[child] = true
		}
	case nil:
		return eris.Errorf("task %s has no runner", t.Short)
	default:
		return eris.Errorf("task %s has unsupported runner %T", t.Short, r)
	}

	return nil
}

// Implement starlark.Value for *Task so scripts can pass tasks around

// String returns a string representation of the task
func (t *Task) String() string {
	if len(t.Runner.children()) > 0 {
		return fmt.Sprintf("<Task %s: %s(%s)>", t.Short, t.Runner.kind(), strings.Join(t.Runner.children(), ", "))
	}
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash returns an error since task is not hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// StarlarkPath is a normalized path returned by resolve_path()
type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}
