package buildsys

import (
	"sort"

	"github.com/gammazero/toposort"
	"github.com/rotisserie/eris"
)

// Validate checks the whole registry. It returns the task names in an order in which
// every child comes before its parents or the first cycle / unknown reference found.
func (r *Registry) Validate() ([]string, error) {
	tasks := r.Snapshot()

	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	var edges []toposort.Edge
	for _, name := range names {
		children := tasks[name].Runner.children()
		if len(children) == 0 {
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}

		for _, child := range children {
			if _, ok := tasks[child]; !ok {
				return nil, &UnknownTaskError{Name: child, Parent: name}
			}
			// child must come before name
			edges = append(edges, toposort.Edge{child, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		// toposort only tells us that there is a cycle, walk the graph to find it
		for _, name := range names {
			if cErr := checkGraph(tasks, name); cErr != nil {
				return nil, cErr
			}
		}
		return nil, eris.Wrap(err, "task graph contains a cycle")
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

// checkGraph walks everything reachable from root and reports the first unknown task or cycle
func checkGraph(tasks TaskList, root string) error {
	const (
		visiting = 1
		visited  = 2
	)

	state := make(map[string]int)
	stack := make([]string, 0)

	var visit func(name, parent string) error
	visit = func(name, parent string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			start := 0
			for idx, item := range stack {
				if item == name {
					start = idx
					break
				}
			}

			cycle := make([]string, 0, len(stack)-start+1)
			cycle = append(cycle, stack[start:]...)
			cycle = append(cycle, name)
			return &CyclicTaskError{Cycle: cycle}
		}

		task, ok := tasks[name]
		if !ok {
			return &UnknownTaskError{Name: name, Parent: parent}
		}

		state[name] = visiting
		stack = append(stack, name)
		for _, child := range task.Runner.children() {
			if err := visit(child, name); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = visited
		return nil
	}

	return visit(root, "")
}
