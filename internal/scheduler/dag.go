package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// Resolve checks the dependency graph formed by tasks and returns the task IDs
// in an order where every task follows all of its dependencies. Ties are broken
// by insertion order, so independent tasks keep the order they were added in.
//
// Resolve does not mutate the tasks. Duplicate IDs, dependencies on unknown
// tasks and cycles are reported as a *ValidationError.
func Resolve(tasks []*Task) ([]string, error) {
	index := make(map[string]*Task, len(tasks))
	var problems []string

	for _, t := range tasks {
		if t.ID == "" {
			problems = append(problems, "task with empty ID")
			continue
		}
		if _, dup := index[t.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate task ID %q", t.ID))
			continue
		}
		index[t.ID] = t
	}

	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			if _, ok := index[depID]; !ok {
				problems = append(problems, fmt.Sprintf("task %q depends on unknown task %q", t.ID, depID))
			}
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	// Edge (dep, task) means dep must come before task. Roots hang off nil
	// so that isolated tasks still appear in the graph.
	var edges []toposort.Edge
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, depID := range t.DependsOn {
			edges = append(edges, toposort.Edge{depID, t.ID})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		cycle := findCycle(tasks, index)
		if len(cycle) == 0 {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("dependency cycle: %v", err)}}
		}
		return nil, &ValidationError{Problems: []string{"dependency cycle: " + strings.Join(cycle, " -> ")}}
	}

	return stableOrder(tasks), nil
}

// stableOrder is Kahn's algorithm where the next task is always the earliest
// inserted one whose dependencies are placed. The graph must be acyclic.
func stableOrder(tasks []*Task) []string {
	placed := make(map[string]bool, len(tasks))
	order := make([]string, 0, len(tasks))

	for len(order) < len(tasks) {
		progressed := false
		for _, t := range tasks {
			if placed[t.ID] || !depsPlaced(t, placed) {
				continue
			}
			placed[t.ID] = true
			order = append(order, t.ID)
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}
	return order
}

func depsPlaced(t *Task, placed map[string]bool) bool {
	for _, depID := range t.DependsOn {
		if !placed[depID] {
			return false
		}
	}
	return true
}

// findCycle returns the IDs along one dependency cycle, with the first ID
// repeated at the end, or nil if the graph is acyclic.
func findCycle(tasks []*Task, index map[string]*Task) []string {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, depID := range index[id].DependsOn {
			switch state[depID] {
			case visiting:
				for i, s := range stack {
					if s == depID {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, depID)
					}
				}
			case unvisited:
				if c := visit(depID); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = visited
		return nil
	}

	for _, t := range tasks {
		if state[t.ID] == unvisited {
			if c := visit(t.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
