package graph

import (
	"weft/lib/defs"
)

// Task is one resolved, executable unit of work. Created once per invocation
// by resolving a TaskDefinition against CLI values, parent-propagated values
// and declared defaults. Immutable after Build returns.
// mut: false
type Task struct {
	// ex. "build" or "build:amd64"
	Name defs.TaskId
	// back-reference by name to the virtual parent, "" for plain tasks
	Parent defs.TaskId
	// virtual parents anchor dependency edges but are never dispatched
	Virtual bool
	// direct dependency names, must all reach a terminal state first
	Deps []defs.TaskId
	// resolved input file paths (globs expanded, absolute)
	Inputs []string
	// declared output paths (absolute)
	Outputs []string
	// merged env exported into the script (declared env + foreach binding)
	Env map[string]string
	// resolved parameter values
	Params map[string]string
	// needs exclusive control of the terminal
	Interactive bool
	// interpreter the script runs under
	Shell string
	// fully rendered script text
	Script string
	// content hash of Script, the cache/identity key
	Hash string
}
