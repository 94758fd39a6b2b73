package graph

import (
	"fmt"
	"strings"

	"weft/lib/defs"
)

// Graph is a validated, acyclic dependency graph of resolved Tasks.
// Edges encode "must complete before". Safe for concurrent reads.
// mut: false
type Graph struct {
	tasks      map[defs.TaskId]*Task
	order      []defs.TaskId // deterministic node order
	dependents map[defs.TaskId][]defs.TaskId
}

func newGraph() *Graph {
	return &Graph{
		tasks:      map[defs.TaskId]*Task{},
		dependents: map[defs.TaskId][]defs.TaskId{},
	}
}

func (g *Graph) add(t *Task) {
	g.tasks[t.Name] = t
	g.order = append(g.order, t.Name)
}

// freeze computes the dependents adjacency once all nodes are in.
func (g *Graph) freeze() {
	for _, name := range g.order {
		for _, dep := range g.tasks[name].Deps {
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
}

func (g *Graph) Len() int {
	return len(g.order)
}

// Task returns a node by name.
func (g *Graph) Task(name defs.TaskId) (*Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Tasks returns all nodes in deterministic order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.tasks[name])
	}
	return out
}

// Dependents returns the names of tasks that depend on the given one.
func (g *Graph) Dependents(name defs.TaskId) []defs.TaskId {
	return append([]defs.TaskId{}, g.dependents[name]...)
}

// InDegrees returns a fresh map of unmet-dependency counts, the scheduler's
// starting state.
func (g *Graph) InDegrees() map[defs.TaskId]int {
	indeg := make(map[defs.TaskId]int, len(g.order))
	for _, name := range g.order {
		indeg[name] = len(g.tasks[name].Deps)
	}
	return indeg
}

// ConcreteDeps returns the direct dependencies of a task with virtual parents
// replaced by their subtasks. These are the tasks whose output artifacts feed
// this task.
func (g *Graph) ConcreteDeps(name defs.TaskId) []defs.TaskId {
	t, ok := g.tasks[name]
	if !ok {
		return nil
	}
	var out []defs.TaskId
	for _, dep := range t.Deps {
		depTask, ok := g.tasks[dep]
		if !ok {
			continue
		}
		if depTask.Virtual {
			out = append(out, depTask.Deps...)
			continue
		}
		out = append(out, dep)
	}
	return out
}

// TopologicalOrder returns node names with every dependency before its
// dependents. The graph is validated acyclic at build time so this cannot
// fail for a built graph.
func (g *Graph) TopologicalOrder() []defs.TaskId {
	indeg := g.InDegrees()
	queue := []defs.TaskId{}
	for _, name := range g.order {
		if indeg[name] == 0 {
			queue = append(queue, name)
		}
	}
	var out []defs.TaskId
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		out = append(out, next)
		for _, dep := range g.dependents[next] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return out
}

// detectCycle walks the dependency relation depth-first and returns an error
// naming the first cycle found.
func detectCycle(deps map[defs.TaskId][]defs.TaskId, order []defs.TaskId) error {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // done
	)
	color := map[defs.TaskId]int{}
	var path []defs.TaskId

	var visit func(name defs.TaskId) error
	visit = func(name defs.TaskId) error {
		color[name] = grey
		path = append(path, name)
		for _, dep := range deps[name] {
			switch color[dep] {
			case grey:
				return fmt.Errorf("dependency cycle: %s", formatCycle(path, dep))
			case white:
				if _, ok := deps[dep]; !ok {
					continue
				}
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return nil
	}

	for _, name := range order {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

func formatCycle(path []defs.TaskId, repeat defs.TaskId) string {
	start := 0
	for i, name := range path {
		if name == repeat {
			start = i
			break
		}
	}
	parts := []string{}
	for _, name := range path[start:] {
		parts = append(parts, string(name))
	}
	parts = append(parts, string(repeat))
	return strings.Join(parts, " -> ")
}
