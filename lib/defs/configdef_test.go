package defs

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func testLogger(t *testing.T) *log.Entry {
	return log.WithField("test", t.Name())
}

func TestInitConfig(t *testing.T) {
	path := writeConfig(t, `
settings:
  parallelism: 8
tasks:
  - id: build
    script: make build
  - id: test
    after: [build]
    script: make test
`)

	cfg, err := InitConfig(testLogger(t), path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Parallelism())
	assert.Equal(t, filepath.Dir(path), cfg.Dir)
	assert.True(t, cfg.ContainsTask("build"))
	assert.False(t, cfg.ContainsTask("deploy"))

	task, ok := cfg.TaskDef("test")
	require.True(t, ok)
	assert.Equal(t, []TaskId{"build"}, task.After)
	assert.Equal(t, "/bin/bash", task.Interpreter())
}

func TestInitConfigRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "duplicate id",
			content: "tasks:\n  - id: a\n    script: x\n  - id: a\n    script: y\n",
			wantErr: "duplicate task id",
		},
		{
			name:    "reserved separator",
			content: "tasks:\n  - id: 'a:b'\n    script: x\n",
			wantErr: "reserved for subtask names",
		},
		{
			name:    "missing script",
			content: "tasks:\n  - id: a\n",
			wantErr: "has no script",
		},
		{
			name:    "ambiguous foreach",
			content: "tasks:\n  - id: a\n    script: x\n    foreach:\n      var: F\n      glob: '*.csv'\n      items: [one]\n",
			wantErr: "exactly one of",
		},
		{
			name:    "invalid param default",
			content: "tasks:\n  - id: a\n    script: x\n    params:\n      - name: fast\n        type: bool\n        default: yes\n",
			wantErr: "is not a bool",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := InitConfig(testLogger(t), path)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestProjectIdStableAcrossReads(t *testing.T) {
	path := writeConfig(t, "tasks:\n  - id: a\n    script: x\n")

	cfg1, err := InitConfig(testLogger(t), path)
	require.NoError(t, err)
	cfg2, err := InitConfig(testLogger(t), path)
	require.NoError(t, err)

	assert.Equal(t, cfg1.ProjectId(), cfg2.ProjectId())
	assert.Len(t, cfg1.ProjectId(), 12)
}

func TestSubtaskIds(t *testing.T) {
	id := SubtaskId("train", "fold-3")
	assert.Equal(t, TaskId("train:fold-3"), id)
	assert.True(t, id.IsSubtask())
	assert.Equal(t, TaskId("train"), id.ParentName())

	plain := TaskId("build")
	assert.False(t, plain.IsSubtask())
	assert.Equal(t, plain, plain.ParentName())
}

func TestParamValidate(t *testing.T) {
	boolParam := ParamDefinition{Name: "fast", Type: BoolParam}
	assert.NoError(t, boolParam.Validate("true"))
	assert.ErrorContains(t, boolParam.Validate("1"), "is not a bool")

	choice := ParamDefinition{Name: "profile", Type: ChoiceParam, Choices: []string{"debug", "release"}}
	assert.NoError(t, choice.Validate("release"))
	assert.ErrorContains(t, choice.Validate("fast"), "is not one of")

	// untyped params default to free-form values
	free := ParamDefinition{Name: "msg"}
	assert.Equal(t, ValueParam, free.Kind())
	assert.NoError(t, free.Validate("anything at all"))
}
