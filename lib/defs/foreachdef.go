package defs

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
)

type ForeachKind string

const (
	ForeachList  ForeachKind = "list"
	ForeachGlob  ForeachKind = "glob"
	ForeachRange ForeachKind = "range"
)

// RangeDefinition is an inclusive numeric range. Items are zero-padded to
// the width of the upper bound so lexicographic order matches numeric order.
type RangeDefinition struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
	Step int `yaml:"step,omitempty"`
}

// ForeachDefinition is the dynamic-expansion directive of a task: a closed
// variant item source plus the binding variable injected into each subtask.
// Exactly one of Items/Glob/Range must be set.
// mut: false
type ForeachDefinition struct {
	// env variable name each item is bound to
	Var string `yaml:"var"`
	// explicit item list, declared order preserved
	Items []string `yaml:"items,omitempty"`
	// glob pattern, matches sorted lexicographically
	Glob string `yaml:"glob,omitempty"`
	// numeric range, zero-padded
	Range *RangeDefinition `yaml:"range,omitempty"`
}

// Kind validates the variant and returns which item source is in use.
func (fd ForeachDefinition) Kind() (ForeachKind, error) {
	if fd.Var == "" {
		return "", fmt.Errorf("foreach: var is required")
	}
	set := 0
	kind := ForeachKind("")
	if len(fd.Items) > 0 {
		set++
		kind = ForeachList
	}
	if fd.Glob != "" {
		set++
		kind = ForeachGlob
	}
	if fd.Range != nil {
		set++
		kind = ForeachRange
	}
	if set != 1 {
		return "", fmt.Errorf("foreach: exactly one of items/glob/range must be set")
	}
	return kind, nil
}

// Resolve expands the item source into a flat list, resolved once at
// graph-build time. Glob patterns are evaluated relative to baseDir.
// Zero resulting items is not an error; the caller warns.
func (fd ForeachDefinition) Resolve(baseDir string) ([]string, error) {
	kind, err := fd.Kind()
	if err != nil {
		return nil, err
	}

	switch kind {
	case ForeachList:
		return append([]string{}, fd.Items...), nil

	case ForeachGlob:
		pattern := fd.Glob
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("foreach glob %q: %w", fd.Glob, err)
		}
		items := make([]string, 0, len(matches))
		for _, m := range matches {
			rel, err := filepath.Rel(baseDir, m)
			if err != nil {
				rel = m
			}
			items = append(items, rel)
		}
		sort.Strings(items)
		return items, nil

	case ForeachRange:
		r := *fd.Range
		step := r.Step
		if step == 0 {
			step = 1
		}
		if step < 0 {
			return nil, fmt.Errorf("foreach range: negative step")
		}
		if r.To < r.From {
			return []string{}, nil
		}
		width := len(strconv.Itoa(r.To))
		var items []string
		for i := r.From; i <= r.To; i += step {
			items = append(items, fmt.Sprintf("%0*d", width, i))
		}
		return items, nil
	}

	return nil, fmt.Errorf("foreach: unknown kind %q", kind)
}
