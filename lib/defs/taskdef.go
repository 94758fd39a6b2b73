package defs

import (
	"strings"

	"weft/lib"
)

type TaskId string

// IsSubtask reports whether the id names one expanded subtask (parent:item).
func (id TaskId) IsSubtask() bool {
	return strings.Contains(string(id), lib.SubtaskSep)
}

// ParentName returns the parent part of a subtask id, or the id itself.
func (id TaskId) ParentName() TaskId {
	return TaskId(strings.SplitN(string(id), lib.SubtaskSep, 2)[0])
}

// SubtaskId builds the concrete id for one expanded item.
func SubtaskId(parent TaskId, item string) TaskId {
	return TaskId(string(parent) + lib.SubtaskSep + item)
}

// SubtaskItem makes an expansion item safe for use inside a subtask name.
// Glob items can carry path separators, which would otherwise leak into
// per-task directory and artifact file names. The binding variable keeps the
// raw item; only the name is flattened.
func SubtaskItem(item string) string {
	return strings.ReplaceAll(item, "/", "_")
}

// TaskDefinition is one declared task template as read from weft.yaml.
// A definition with a Foreach directive expands into N concrete tasks
// plus one virtual parent used only for dependency bookkeeping.
// mut: false
type TaskDefinition struct {
	// ex. "build"
	Id TaskId `yaml:"id"`
	// tasks this one must run before (reverse dependency edges)
	Before []TaskId `yaml:"before,omitempty"`
	// tasks this one must run after (dependency edges)
	After []TaskId `yaml:"after,omitempty"`
	// input paths/globs; an entry naming another task is a data dependency
	Inputs []string `yaml:"inputs,omitempty"`
	// declared output paths, informational for now
	Outputs []string `yaml:"outputs,omitempty"`
	// parameter schema
	Params []ParamDefinition `yaml:"params,omitempty"`
	// env overrides exported into the task script
	Env map[string]string `yaml:"env,omitempty"`
	// interpreter, ex. "/bin/bash" (the default)
	Shell string `yaml:"shell,omitempty"`
	// the script body
	Script string `yaml:"script"`
	// dynamic expansion directive
	Foreach *ForeachDefinition `yaml:"foreach,omitempty"`
	// needs exclusive control of the terminal
	Interactive bool `yaml:"interactive,omitempty"`
}

// Interpreter returns the declared interpreter or the bash default.
func (task TaskDefinition) Interpreter() string {
	if task.Shell == "" {
		return "/bin/bash"
	}
	return task.Shell
}

// Param looks up a declared parameter by name.
func (task TaskDefinition) Param(name string) (ParamDefinition, bool) {
	for _, p := range task.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamDefinition{}, false
}
