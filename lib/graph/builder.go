package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"weft/lib"
	"weft/lib/defs"
)

// node is the intermediate, mutable form of a Task during Build.
type node struct {
	def     defs.TaskDefinition
	name    defs.TaskId
	parent  defs.TaskId
	virtual bool
	binding map[string]string // foreach var -> item
	deps    []defs.TaskId
	inputs  []string
	params  map[string]string
}

// Build resolves the declared TaskDefinitions against the requested task
// names and CLI-provided values into a validated, acyclic Task graph.
//
// Steps, in order: foreach expansion, edge normalization and reference
// validation, cycle rejection, transitive closure of the requested names,
// parameter resolution (CLI > parent-propagated > default), script rendering
// and content hashing.
func Build(ctxLogger *log.Entry, cfg defs.ConfigDefinition, requested []defs.TaskId, overrides map[string]string, positionals []string) (*Graph, error) {
	if len(requested) == 0 {
		return nil, fmt.Errorf("graph: no tasks requested")
	}

	universe, order, err := expand(ctxLogger, cfg)
	if err != nil {
		return nil, err
	}

	if err := resolveEdges(cfg, universe); err != nil {
		return nil, err
	}

	// Cycles are config errors: reject before any closure/scheduling work.
	depsView := map[defs.TaskId][]defs.TaskId{}
	for name, n := range universe {
		depsView[name] = n.deps
	}
	if err := detectCycle(depsView, order); err != nil {
		return nil, err
	}

	closed, err := closure(universe, requested)
	if err != nil {
		return nil, err
	}

	if err := resolveParams(cfg, universe, closed, overrides, positionals); err != nil {
		return nil, err
	}

	if err := resolveInputs(ctxLogger, cfg, universe, closed); err != nil {
		return nil, err
	}

	// Assemble in deterministic order: declared order, subtasks before their
	// virtual parent.
	g := newGraph()
	for _, name := range order {
		if !closed[name] {
			continue
		}
		n := universe[name]

		env := map[string]string{}
		for k, v := range n.def.Env {
			env[k] = v
		}
		for k, v := range n.binding {
			env[k] = v
		}

		t := &Task{
			Name:        n.name,
			Parent:      n.parent,
			Virtual:     n.virtual,
			Deps:        append([]defs.TaskId{}, n.deps...),
			Inputs:      n.inputs,
			Env:         env,
			Params:      n.params,
			Interactive: n.def.Interactive,
			Shell:       n.def.Interpreter(),
		}
		for _, out := range n.def.Outputs {
			t.Outputs = append(t.Outputs, absAgainst(cfg.Dir, out))
		}
		if !n.virtual {
			t.Script = renderScript(n.def, env, n.params)
			t.Hash = lib.HashContent([]byte(t.Script))
		}
		g.add(t)
	}
	g.freeze()
	return g, nil
}

// expand turns every TaskDefinition into concrete nodes, materializing
// foreach directives into per-item subtasks plus one virtual parent.
func expand(ctxLogger *log.Entry, cfg defs.ConfigDefinition) (map[defs.TaskId]*node, []defs.TaskId, error) {
	universe := map[defs.TaskId]*node{}
	order := []defs.TaskId{}

	put := func(n *node) error {
		if _, exists := universe[n.name]; exists {
			return fmt.Errorf("graph: duplicate expanded subtask name %q", n.name)
		}
		universe[n.name] = n
		order = append(order, n.name)
		return nil
	}

	for _, def := range cfg.TaskDefs {
		if def.Foreach == nil {
			if err := put(&node{def: def, name: def.Id, params: map[string]string{}}); err != nil {
				return nil, nil, err
			}
			continue
		}

		items, err := def.Foreach.Resolve(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("graph: task %q: %w", def.Id, err)
		}
		if len(items) == 0 {
			ctxLogger.Warnf("task %q: foreach resolved to zero items", def.Id)
		}

		subtasks := []defs.TaskId{}
		for _, item := range items {
			sub := &node{
				def:     def,
				name:    defs.SubtaskId(def.Id, defs.SubtaskItem(item)),
				parent:  def.Id,
				binding: map[string]string{def.Foreach.Var: item},
				params:  map[string]string{},
			}
			if err := put(sub); err != nil {
				return nil, nil, err
			}
			subtasks = append(subtasks, sub.name)
		}

		// The virtual parent is dependency bookkeeping only: it depends on
		// every subtask and is never dispatched for execution.
		parent := &node{
			def:     def,
			name:    def.Id,
			virtual: true,
			deps:    subtasks,
			params:  map[string]string{},
		}
		if err := put(parent); err != nil {
			return nil, nil, err
		}
	}

	return universe, order, nil
}

// resolveEdges normalizes before/after/input-task references into the "deps
// of X" form on expanded nodes. Unknown references are fatal here.
func resolveEdges(cfg defs.ConfigDefinition, universe map[defs.TaskId]*node) error {
	// targets returns the executable nodes a declared id maps to.
	targets := func(id defs.TaskId) []defs.TaskId {
		n := universe[id]
		if n.virtual {
			return n.deps // the subtasks
		}
		return []defs.TaskId{id}
	}

	checkRef := func(owner defs.TaskId, ref defs.TaskId) error {
		if _, ok := universe[ref]; !ok {
			return fmt.Errorf("graph: task %q references unknown task %q", owner, ref)
		}
		return nil
	}

	addDep := func(name defs.TaskId, dep defs.TaskId) {
		n := universe[name]
		for _, existing := range n.deps {
			if existing == dep {
				return
			}
		}
		n.deps = append(n.deps, dep)
	}

	for _, def := range cfg.TaskDefs {
		for _, after := range def.After {
			if err := checkRef(def.Id, after); err != nil {
				return err
			}
			for _, tgt := range targets(def.Id) {
				addDep(tgt, after)
			}
		}
		for _, before := range def.Before {
			if err := checkRef(def.Id, before); err != nil {
				return err
			}
			for _, tgt := range targets(before) {
				addDep(tgt, def.Id)
			}
		}
		for _, input := range def.Inputs {
			ref := defs.TaskId(input)
			if _, ok := universe[ref]; ok {
				for _, tgt := range targets(def.Id) {
					addDep(tgt, ref)
				}
			}
			// non-task inputs are handled by resolveInputs
		}
	}
	return nil
}

// closure computes the transitive dependency closure of exactly the requested
// names. Requesting "parent:item" does not pull in sibling subtasks;
// requesting the bare parent pulls in all of them through the virtual node.
func closure(universe map[defs.TaskId]*node, requested []defs.TaskId) (map[defs.TaskId]bool, error) {
	closed := map[defs.TaskId]bool{}
	queue := []defs.TaskId{}

	for _, r := range requested {
		if _, ok := universe[r]; !ok {
			return nil, fmt.Errorf("graph: unknown task %q", r)
		}
		if !closed[r] {
			closed[r] = true
			queue = append(queue, r)
		}
	}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, dep := range universe[next].deps {
			if !closed[dep] {
				closed[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return closed, nil
}

// resolveParams fills every closed node's parameter values in priority order
// CLI > parent-propagated > default, and rejects diamond conflicts: two
// distinct dependents pushing different values for the same parameter of a
// shared dependency.
func resolveParams(cfg defs.ConfigDefinition, universe map[defs.TaskId]*node, closed map[defs.TaskId]bool, overrides map[string]string, positionals []string) error {
	// Own resolution first: CLI override or declared default.
	for name := range closed {
		n := universe[name]
		posIdx := 0
		for _, p := range n.def.Params {
			val := p.Default
			if p.Kind() == defs.PositionalParam {
				if posIdx < len(positionals) {
					val = positionals[posIdx]
				}
				posIdx++
			}
			if cli, ok := overrides[p.Name]; ok {
				val = cli
			}
			if val != "" {
				if err := p.Validate(val); err != nil {
					return fmt.Errorf("graph: task %q: %w", name, err)
				}
			}
			n.params[p.Name] = val
		}
	}

	if !cfg.Settings.PropagateParams {
		return nil
	}

	// Downward propagation in reverse topological order: every dependent of a
	// node is finalized (and has pushed) before the node itself is.
	type push struct {
		val  string
		from defs.TaskId
	}
	pushes := map[defs.TaskId]map[string]push{}

	topo := topoOrderOf(universe, closed)
	for i := len(topo) - 1; i >= 0; i-- {
		name := topo[i]
		n := universe[name]

		for pname, p := range pushes[name] {
			if _, cli := overrides[pname]; cli {
				continue // CLI beats parent-propagated
			}
			n.params[pname] = p.val
		}

		for _, dep := range n.deps {
			d := universe[dep]
			if !closed[dep] {
				continue
			}
			for pname, val := range n.params {
				if _, declared := d.def.Param(pname); !declared {
					continue
				}
				if prev, ok := pushes[dep][pname]; ok {
					if prev.val != val {
						return fmt.Errorf(
							"graph: conflicting values for param %q of task %q: %q (from %q) vs %q (from %q)",
							pname, dep, prev.val, prev.from, val, name,
						)
					}
					continue
				}
				if pushes[dep] == nil {
					pushes[dep] = map[string]push{}
				}
				pushes[dep][pname] = push{val: val, from: name}
			}
		}
	}
	return nil
}

// topoOrderOf is a Kahn ordering of the closed subgraph, dependencies first.
func topoOrderOf(universe map[defs.TaskId]*node, closed map[defs.TaskId]bool) []defs.TaskId {
	indeg := map[defs.TaskId]int{}
	dependents := map[defs.TaskId][]defs.TaskId{}
	for name := range closed {
		for _, dep := range universe[name].deps {
			if !closed[dep] {
				continue
			}
			indeg[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	queue := []defs.TaskId{}
	for name := range closed {
		if indeg[name] == 0 {
			queue = append(queue, name)
		}
	}
	var out []defs.TaskId
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		out = append(out, next)
		for _, dep := range dependents[next] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return out
}

// resolveInputs expands non-task input entries into concrete file paths.
// A glob with zero matches is a warning; a plain path that does not exist and
// names no task is an unknown reference.
func resolveInputs(ctxLogger *log.Entry, cfg defs.ConfigDefinition, universe map[defs.TaskId]*node, closed map[defs.TaskId]bool) error {
	for name := range closed {
		n := universe[name]
		for _, input := range n.def.Inputs {
			if _, isTask := universe[defs.TaskId(input)]; isTask {
				continue
			}
			path := absAgainst(cfg.Dir, input)
			if strings.ContainsAny(input, "*?[") {
				matches, err := filepath.Glob(path)
				if err != nil {
					return fmt.Errorf("graph: task %q: input glob %q: %w", name, input, err)
				}
				if len(matches) == 0 {
					ctxLogger.Warnf("task %q: input glob %q matched nothing", name, input)
				}
				n.inputs = append(n.inputs, matches...)
				continue
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("graph: task %q: input %q is neither a known task nor an existing path", name, input)
			}
			n.inputs = append(n.inputs, path)
		}
	}
	return nil
}

func absAgainst(dir string, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
