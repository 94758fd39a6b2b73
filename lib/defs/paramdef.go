package defs

import "fmt"

type ParamType string

const (
	// "true"/"false" flag
	BoolParam ParamType = "bool"
	// free-form value
	ValueParam ParamType = "value"
	// value restricted to Choices
	ChoiceParam ParamType = "choice"
	// positional argument, filled from leftover CLI words in declared order
	PositionalParam ParamType = "positional"
)

// ParamDefinition is one named flag in a task's parameter schema.
// mut: false
type ParamDefinition struct {
	Name    string    `yaml:"name"`
	Type    ParamType `yaml:"type,omitempty"`
	Choices []string  `yaml:"choices,omitempty"`
	Default string    `yaml:"default,omitempty"`
}

// Kind returns the declared type or the value default.
func (p ParamDefinition) Kind() ParamType {
	if p.Type == "" {
		return ValueParam
	}
	return p.Type
}

// Validate checks a candidate value against the schema.
func (p ParamDefinition) Validate(val string) error {
	switch p.Kind() {
	case BoolParam:
		if val != "true" && val != "false" {
			return fmt.Errorf("param %q: %q is not a bool (true/false)", p.Name, val)
		}
	case ChoiceParam:
		for _, c := range p.Choices {
			if c == val {
				return nil
			}
		}
		return fmt.Errorf("param %q: %q is not one of %v", p.Name, val, p.Choices)
	}
	return nil
}
