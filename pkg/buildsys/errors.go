package buildsys

import (
	"fmt"
	"strings"
)

// UnknownTaskError is returned when a task name has not been registered
type UnknownTaskError struct {
	Name string
	// Parent is the composite that referenced the task, empty for top-level lookups
	Parent string
}

var _ error = (*UnknownTaskError)(nil)

func (e *UnknownTaskError) Error() string {
	if e.Parent != "" {
		return fmt.Sprintf("task %s (referenced by %s) not found", e.Name, e.Parent)
	}
	return fmt.Sprintf("task %s not found", e.Name)
}

// CyclicTaskError reports a dependency cycle. The first and last entry of Cycle are the same task.
type CyclicTaskError struct {
	Cycle []string
}

var _ error = (*CyclicTaskError)(nil)

func (e *CyclicTaskError) Error() string {
	return "task cycle detected: " + strings.Join(e.Cycle, " -> ")
}

// MissingInputError is returned when a path that must exist is absent
type MissingInputError struct {
	Path string
}

var _ error = (*MissingInputError)(nil)

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("required input %s does not exist", e.Path)
}

// IOError wraps a filesystem failure together with the path that caused it
type IOError struct {
	Op   string
	Path string
	Err  error
}

var _ error = (*IOError)(nil)

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CollaboratorFailure is returned when an external tool (compiler, bundler, linter) fails
type CollaboratorFailure struct {
	Tool string
	Err  error
}

var _ error = (*CollaboratorFailure)(nil)

func (e *CollaboratorFailure) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Tool, e.Err)
}

func (e *CollaboratorFailure) Unwrap() error {
	return e.Err
}

// TaskError attributes a failure to the leaf task that produced it
type TaskError struct {
	Task string
	Err  error
}

var _ error = (*TaskError)(nil)

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %s", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ParallelError is returned by a parallel group if at least one child failed.
// First is the failure that completed first, Others counts the remaining failed siblings.
type ParallelError struct {
	Task   string
	First  error
	Others int
}

var _ error = (*ParallelError)(nil)

func (e *ParallelError) Error() string {
	if e.Others == 0 {
		return fmt.Sprintf("%s: %s", e.Task, e.First)
	}
	return fmt.Sprintf("%s: %s (and %d more failed)", e.Task, e.First, e.Others)
}

func (e *ParallelError) Unwrap() error {
	return e.First
}

// FailedTask returns the name of the leaf task responsible for err or an empty string
func FailedTask(err error) string {
	for err != nil {
		if te, ok := err.(*TaskError); ok {
			return te.Task
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
