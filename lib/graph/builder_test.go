package graph

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/lib/defs"
)

func testLogger(t *testing.T) *log.Entry {
	return log.WithField("test", t.Name())
}

func testConfig(t *testing.T, tasks ...defs.TaskDefinition) defs.ConfigDefinition {
	dir := t.TempDir()
	return defs.ConfigDefinition{
		File:     filepath.Join(dir, "weft.yaml"),
		Dir:      dir,
		TaskDefs: tasks,
	}
}

func names(tasks []*Task) []defs.TaskId {
	out := make([]defs.TaskId, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Name)
	}
	return out
}

func TestBuildLinearChain(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{Id: "build", Script: "make build"},
		defs.TaskDefinition{Id: "test", After: []defs.TaskId{"build"}, Script: "make test"},
		defs.TaskDefinition{Id: "package", After: []defs.TaskId{"test"}, Script: "make package"},
	)

	g, err := Build(testLogger(t), cfg, []defs.TaskId{"package"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())

	order := g.TopologicalOrder()
	assert.Equal(t, []defs.TaskId{"build", "test", "package"}, order)

	pkg, ok := g.Task("package")
	require.True(t, ok)
	assert.Equal(t, []defs.TaskId{"test"}, pkg.Deps)
	assert.NotEmpty(t, pkg.Hash)
	assert.False(t, pkg.Virtual)
}

func TestBuildBeforeIsReverseEdge(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{Id: "lint", Before: []defs.TaskId{"build"}, Script: "run lint"},
		defs.TaskDefinition{Id: "build", Script: "make build"},
	)

	g, err := Build(testLogger(t), cfg, []defs.TaskId{"build"}, nil, nil)
	require.NoError(t, err)

	build, _ := g.Task("build")
	assert.Equal(t, []defs.TaskId{"lint"}, build.Deps)
	assert.Equal(t, []defs.TaskId{"build"}, g.Dependents("lint"))
}

func TestBuildClosureIsMinimal(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{Id: "build", Script: "make build"},
		defs.TaskDefinition{Id: "test", After: []defs.TaskId{"build"}, Script: "make test"},
		defs.TaskDefinition{Id: "docs", Script: "make docs"},
	)

	g, err := Build(testLogger(t), cfg, []defs.TaskId{"test"}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, g.Len())
	_, ok := g.Task("docs")
	assert.False(t, ok)
}

func TestBuildUnknownReferences(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{Id: "test", After: []defs.TaskId{"no-such-task"}, Script: "make test"},
	)
	_, err := Build(testLogger(t), cfg, []defs.TaskId{"test"}, nil, nil)
	assert.ErrorContains(t, err, `references unknown task "no-such-task"`)

	cfg = testConfig(t, defs.TaskDefinition{Id: "build", Script: "make build"})
	_, err = Build(testLogger(t), cfg, []defs.TaskId{"deploy"}, nil, nil)
	assert.ErrorContains(t, err, `unknown task "deploy"`)
}

func TestBuildRejectsCycles(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{Id: "a", After: []defs.TaskId{"c"}, Script: "x"},
		defs.TaskDefinition{Id: "b", After: []defs.TaskId{"a"}, Script: "x"},
		defs.TaskDefinition{Id: "c", After: []defs.TaskId{"b"}, Script: "x"},
	)

	_, err := Build(testLogger(t), cfg, []defs.TaskId{"a"}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
	// the full loop is named, ex. "a -> c -> b -> a"
	assert.Equal(t, 4, len(strings.Split(err.Error(), " -> ")))
}

func TestBuildForeachExpansion(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{
			Id:     "train",
			Script: "train.sh",
			Foreach: &defs.ForeachDefinition{
				Var:   "FOLD",
				Items: []string{"a", "b", "c"},
			},
		},
		defs.TaskDefinition{Id: "report", After: []defs.TaskId{"train"}, Script: "report.sh"},
	)

	g, err := Build(testLogger(t), cfg, []defs.TaskId{"report"}, nil, nil)
	require.NoError(t, err)

	// 3 subtasks + virtual parent + report
	assert.Equal(t, 5, g.Len())

	parent, ok := g.Task("train")
	require.True(t, ok)
	assert.True(t, parent.Virtual)
	assert.Empty(t, parent.Script)
	assert.Equal(t, []defs.TaskId{"train:a", "train:b", "train:c"}, parent.Deps)

	sub, ok := g.Task("train:b")
	require.True(t, ok)
	assert.False(t, sub.Virtual)
	assert.Equal(t, defs.TaskId("train"), sub.Parent)
	assert.Equal(t, "b", sub.Env["FOLD"])
	assert.Contains(t, sub.Script, "export FOLD='b'")

	// report depends on the virtual parent; artifacts come from the subtasks
	report, _ := g.Task("report")
	assert.Equal(t, []defs.TaskId{"train"}, report.Deps)
	assert.Equal(t, []defs.TaskId{"train:a", "train:b", "train:c"}, g.ConcreteDeps("report"))
}

func TestBuildForeachGlobSubdirectories(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{
			Id:     "proc",
			Script: "process.sh",
			Foreach: &defs.ForeachDefinition{
				Var:  "FILE",
				Glob: "data/*.csv",
			},
		},
	)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Dir, "data"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "data", "a.csv"), []byte("1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "data", "b.csv"), []byte("2\n"), 0644))

	g, err := Build(testLogger(t), cfg, []defs.TaskId{"proc"}, nil, nil)
	require.NoError(t, err)

	// the path separator is flattened out of the name but kept in the binding
	sub, ok := g.Task("proc:data_a.csv")
	require.True(t, ok)
	assert.Equal(t, "data/a.csv", sub.Env["FILE"])

	for _, name := range names(g.Tasks()) {
		assert.NotContains(t, string(name), "/", "task names become file names")
	}
}

func TestBuildRequestingSingleSubtask(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{Id: "prep", Script: "prep.sh"},
		defs.TaskDefinition{
			Id:     "train",
			After:  []defs.TaskId{"prep"},
			Script: "train.sh",
			Foreach: &defs.ForeachDefinition{
				Var:   "FOLD",
				Items: []string{"a", "b"},
			},
		},
	)

	g, err := Build(testLogger(t), cfg, []defs.TaskId{"train:a"}, nil, nil)
	require.NoError(t, err)

	// the sibling and the virtual parent stay out of the graph
	assert.Equal(t, []defs.TaskId{"prep", "train:a"}, names(g.Tasks()))
}

func TestBuildSubtaskDistinctScripts(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{
			Id:     "shard",
			Script: "process.sh",
			Foreach: &defs.ForeachDefinition{
				Var:   "N",
				Range: &defs.RangeDefinition{From: 1, To: 2},
			},
		},
	)

	g, err := Build(testLogger(t), cfg, []defs.TaskId{"shard"}, nil, nil)
	require.NoError(t, err)

	one, _ := g.Task("shard:1")
	two, _ := g.Task("shard:2")
	// same body, different binding, so different cache identity
	assert.NotEqual(t, one.Hash, two.Hash)
}

func TestBuildHashStableAcrossBuilds(t *testing.T) {
	def := defs.TaskDefinition{
		Id:     "build",
		Script: "make build",
		Env:    map[string]string{"CC": "clang"},
		Params: []defs.ParamDefinition{{Name: "profile", Default: "debug"}},
	}
	cfg := testConfig(t, def)

	g1, err := Build(testLogger(t), cfg, []defs.TaskId{"build"}, nil, nil)
	require.NoError(t, err)
	g2, err := Build(testLogger(t), cfg, []defs.TaskId{"build"}, nil, nil)
	require.NoError(t, err)

	t1, _ := g1.Task("build")
	t2, _ := g2.Task("build")
	assert.Equal(t, t1.Hash, t2.Hash)

	// a different resolved value is different content
	g3, err := Build(testLogger(t), cfg, []defs.TaskId{"build"}, map[string]string{"profile": "release"}, nil)
	require.NoError(t, err)
	t3, _ := g3.Task("build")
	assert.NotEqual(t, t1.Hash, t3.Hash)
	assert.Contains(t, t3.Script, "export profile='release'")
}

func TestBuildParamPriority(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{
			Id:     "build",
			Script: "make build",
			Params: []defs.ParamDefinition{
				{Name: "profile", Type: defs.ChoiceParam, Choices: []string{"debug", "release"}, Default: "debug"},
				{Name: "target", Type: defs.PositionalParam},
			},
		},
	)

	g, err := Build(testLogger(t), cfg, []defs.TaskId{"build"},
		map[string]string{"profile": "release"}, []string{"linux-amd64"})
	require.NoError(t, err)

	task, _ := g.Task("build")
	assert.Equal(t, "release", task.Params["profile"])
	assert.Equal(t, "linux-amd64", task.Params["target"])

	// schema validation applies to CLI values too
	_, err = Build(testLogger(t), cfg, []defs.TaskId{"build"},
		map[string]string{"profile": "fastest"}, nil)
	assert.ErrorContains(t, err, "is not one of")
}

func TestBuildParamPropagationAgreement(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{
			Id:     "compile",
			Script: "compile.sh",
			Params: []defs.ParamDefinition{{Name: "profile"}},
		},
		defs.TaskDefinition{
			Id:     "test",
			After:  []defs.TaskId{"compile"},
			Script: "test.sh",
			Params: []defs.ParamDefinition{{Name: "profile", Default: "release"}},
		},
		defs.TaskDefinition{
			Id:     "bench",
			After:  []defs.TaskId{"compile"},
			Script: "bench.sh",
			Params: []defs.ParamDefinition{{Name: "profile", Default: "release"}},
		},
		defs.TaskDefinition{Id: "all", After: []defs.TaskId{"test", "bench"}, Script: "true"},
	)
	cfg.Settings.PropagateParams = true

	g, err := Build(testLogger(t), cfg, []defs.TaskId{"all"}, nil, nil)
	require.NoError(t, err)

	compile, _ := g.Task("compile")
	assert.Equal(t, "release", compile.Params["profile"])
}

func TestBuildParamPropagationConflict(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{
			Id:     "compile",
			Script: "compile.sh",
			Params: []defs.ParamDefinition{{Name: "profile"}},
		},
		defs.TaskDefinition{
			Id:     "test",
			After:  []defs.TaskId{"compile"},
			Script: "test.sh",
			Params: []defs.ParamDefinition{{Name: "profile", Default: "debug"}},
		},
		defs.TaskDefinition{
			Id:     "bench",
			After:  []defs.TaskId{"compile"},
			Script: "bench.sh",
			Params: []defs.ParamDefinition{{Name: "profile", Default: "release"}},
		},
		defs.TaskDefinition{Id: "all", After: []defs.TaskId{"test", "bench"}, Script: "true"},
	)
	cfg.Settings.PropagateParams = true

	_, err := Build(testLogger(t), cfg, []defs.TaskId{"all"}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `conflicting values for param "profile" of task "compile"`)
	// both pushers are named so the user can fix either
	assert.Contains(t, err.Error(), "debug")
	assert.Contains(t, err.Error(), "release")
}

func TestBuildCliOverrideBeatsPropagation(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{
			Id:     "compile",
			Script: "compile.sh",
			Params: []defs.ParamDefinition{{Name: "profile", Default: "debug"}},
		},
		defs.TaskDefinition{
			Id:     "test",
			After:  []defs.TaskId{"compile"},
			Script: "test.sh",
			Params: []defs.ParamDefinition{{Name: "profile", Default: "release"}},
		},
	)
	cfg.Settings.PropagateParams = true

	g, err := Build(testLogger(t), cfg, []defs.TaskId{"test"},
		map[string]string{"profile": "debug"}, nil)
	require.NoError(t, err)

	compile, _ := g.Task("compile")
	assert.Equal(t, "debug", compile.Params["profile"])
}

func TestBuildInputs(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{Id: "fetch", Script: "fetch.sh"},
		defs.TaskDefinition{
			Id:     "process",
			Inputs: []string{"fetch", "data.csv"},
			Script: "process.sh",
		},
	)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "data.csv"), []byte("1,2\n"), 0644))

	g, err := Build(testLogger(t), cfg, []defs.TaskId{"process"}, nil, nil)
	require.NoError(t, err)

	process, _ := g.Task("process")
	// the task-naming entry became a dependency edge, not a file input
	assert.Equal(t, []defs.TaskId{"fetch"}, process.Deps)
	require.Len(t, process.Inputs, 1)
	assert.Equal(t, filepath.Join(cfg.Dir, "data.csv"), process.Inputs[0])
}

func TestBuildMissingInputIsFatal(t *testing.T) {
	cfg := testConfig(t,
		defs.TaskDefinition{Id: "process", Inputs: []string{"no-such-file.csv"}, Script: "x"},
	)

	_, err := Build(testLogger(t), cfg, []defs.TaskId{"process"}, nil, nil)
	assert.ErrorContains(t, err, "neither a known task nor an existing path")
}

func TestRenderScriptProtocol(t *testing.T) {
	def := defs.TaskDefinition{Id: "build", Script: "echo hi"}
	script := renderScript(def, map[string]string{"A": "it's"}, nil)

	assert.True(t, strings.HasPrefix(script, "# creator: weft\n"))
	assert.Contains(t, script, "set -Eeuo pipefail")
	assert.Contains(t, script, "weft_output()")
	// single quotes in values survive quoting
	assert.Contains(t, script, `export A='it'\''s'`)
	assert.Contains(t, script, "echo hi\n")
}
