package buildsys

import (
	"context"
	"sort"
	"sync"
)

// TaskList maps short names to each relevant task
type TaskList map[string]*Task

// Registry holds all known tasks. Registering a name twice replaces the earlier binding.
type Registry struct {
	mu    sync.RWMutex
	tasks TaskList
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tasks: make(TaskList)}
}

// Register validates the task and stores it under its name
func (r *Registry) Register(ctx context.Context, task *Task) error {
	if err := task.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.Short]; exists {
		Log(ctx).Debug().Str("task", task.Short).Msg("replacing existing task definition")
	}
	r.tasks[task.Short] = task
	return nil
}

// MustRegister is like Register but panics on invalid tasks. Meant for static pipeline definitions.
func (r *Registry) MustRegister(ctx context.Context, tasks ...*Task) {
	for _, task := range tasks {
		if err := r.Register(ctx, task); err != nil {
			panic(err)
		}
	}
}

// Resolve looks up a task by name
func (r *Registry) Resolve(name string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[name]
	if !ok {
		return nil, &UnknownTaskError{Name: name}
	}
	return task, nil
}

// List returns the sorted names of all registered tasks
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the current name -> task mapping
func (r *Registry) Snapshot() TaskList {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(TaskList, len(r.tasks))
	for name, task := range r.tasks {
		result[name] = task
	}
	return result
}
