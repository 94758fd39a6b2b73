package defs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"weft/lib"
)

// todo: track uniqueness of project ids in a global set?
type ProjectId = string

type Settings struct {
	// default normal-pool size, overridable with -j
	Parallelism int `yaml:"parallelism,omitempty"`
	// enables downward parameter inheritance across dependency edges
	PropagateParams bool `yaml:"propagate_params,omitempty"`
	// overrides the workspace root, ex. for tests
	WorkspaceRoot string `yaml:"workspace_root,omitempty"`
}

// ConfigDefinition is the whole declared project: settings plus task templates.
// It is stateless after being read.
// mut: false
type ConfigDefinition struct {
	// The config file full path, aka /path/to/weft.yaml
	File string `yaml:"-"`
	// The project path, aka /path/to
	Dir string `yaml:"-"`

	Settings Settings         `yaml:"settings,omitempty"`
	TaskDefs []TaskDefinition `yaml:"tasks"`
}

// InitConfig reads and validates a weft.yaml.
func InitConfig(ctxLogger *log.Entry, filePath string) (ConfigDefinition, error) {
	ctxLogger.Debug("reading config @ ", filePath)

	abs, err := filepath.Abs(filePath)
	if err != nil {
		return ConfigDefinition{}, fmt.Errorf("filepath.Abs: %w", err)
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return ConfigDefinition{}, fmt.Errorf("read config: %w", err)
	}

	cfg := ConfigDefinition{}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return ConfigDefinition{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.File = abs
	cfg.Dir = filepath.Dir(abs)

	if err := cfg.validate(); err != nil {
		return ConfigDefinition{}, err
	}

	ctxLogger.Debug("reading config done!")
	return cfg, nil
}

func (cfg ConfigDefinition) validate() error {
	seen := map[TaskId]bool{}
	for _, task := range cfg.TaskDefs {
		if task.Id == "" {
			return fmt.Errorf("config: task with empty id")
		}
		if strings.Contains(string(task.Id), lib.SubtaskSep) {
			return fmt.Errorf("config: task id %q: %q is reserved for subtask names", task.Id, lib.SubtaskSep)
		}
		if seen[task.Id] {
			return fmt.Errorf("config: duplicate task id %q", task.Id)
		}
		seen[task.Id] = true

		if task.Script == "" {
			return fmt.Errorf("config: task %q has no script", task.Id)
		}
		if task.Foreach != nil {
			if _, err := task.Foreach.Kind(); err != nil {
				return fmt.Errorf("config: task %q: %w", task.Id, err)
			}
		}
		for _, p := range task.Params {
			if p.Name == "" {
				return fmt.Errorf("config: task %q: param with empty name", task.Id)
			}
			if p.Default != "" {
				if err := p.Validate(p.Default); err != nil {
					return fmt.Errorf("config: task %q: default: %w", task.Id, err)
				}
			}
		}
	}
	return nil
}

// ProjectId derives the stable workspace key for this project from the
// resolved config path.
func (cfg ConfigDefinition) ProjectId() ProjectId {
	return lib.ShortHash([]byte(cfg.File))
}

// TaskDef looks up a declared task by id.
func (cfg ConfigDefinition) TaskDef(id TaskId) (TaskDefinition, bool) {
	for _, task := range cfg.TaskDefs {
		if task.Id == id {
			return task, true
		}
	}
	return TaskDefinition{}, false
}

func (cfg ConfigDefinition) ContainsTask(id TaskId) bool {
	_, ok := cfg.TaskDef(id)
	return ok
}

// Parallelism returns the configured normal-pool size with a sane floor.
func (cfg ConfigDefinition) Parallelism() int {
	if cfg.Settings.Parallelism <= 0 {
		return 4
	}
	return cfg.Settings.Parallelism
}
