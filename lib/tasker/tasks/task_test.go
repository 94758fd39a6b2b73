package tasks

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/lib"
	"weft/lib/defs"
	"weft/lib/graph"
	"weft/lib/tasker/common"
	"weft/lib/tasker/scheduler"
	"weft/lib/workspace"
)

func testSetup(t *testing.T, tasks ...defs.TaskDefinition) (*common.Context, *graph.Graph, workspace.Run) {
	t.Helper()
	ctxLogger := log.WithField("test", t.Name())

	projectDir := t.TempDir()
	cfg := defs.ConfigDefinition{
		File:     filepath.Join(projectDir, "weft.yaml"),
		Dir:      projectDir,
		TaskDefs: tasks,
	}

	requested := []defs.TaskId{}
	for _, def := range tasks {
		requested = append(requested, def.Id)
	}
	g, err := graph.Build(ctxLogger, cfg, requested, nil, nil)
	require.NoError(t, err)

	ws, err := workspace.NewWorkspace(ctxLogger, t.TempDir(), cfg.ProjectId())
	require.NoError(t, err)
	run, err := ws.NewRun()
	require.NoError(t, err)

	ctx := common.NewContext(ctxLogger, cfg, ws, nil)
	return &ctx, g, run
}

func TestRunStagesOutputs(t *testing.T) {
	ctx, g, run := testSetup(t,
		defs.TaskDefinition{
			Id:     "producer",
			Script: "weft_output rows 42\nweft_output source db\n",
		},
	)
	e := NewExecutor(ctx, g, run)

	task, _ := g.Task("producer")
	out := e.Run(context.Background(), task)
	require.NoError(t, out.Err)
	assert.Equal(t, scheduler.Completed, out.State)
	assert.Equal(t, 0, out.ExitCode)

	values, err := workspace.ReadArtifact(run.OutputArtifactPath("producer"))
	require.NoError(t, err)
	assert.Equal(t, workspace.Artifact{"rows": "42", "source": "db"}, values)

	// the raw stage file is gone once serialized
	assert.NoFileExists(t, run.OutputStagePath("producer"))
	// both log files exist in the task dir
	assert.FileExists(t, filepath.Join(run.TaskDir("producer"), lib.StdoutLog))
	assert.FileExists(t, filepath.Join(run.TaskDir("producer"), lib.StderrLog))
}

func TestRunWiresDependencyOutputs(t *testing.T) {
	ctx, g, run := testSetup(t,
		defs.TaskDefinition{
			Id:     "producer",
			Script: "weft_output rows 42\n",
		},
		defs.TaskDefinition{
			Id:     "consumer",
			After:  []defs.TaskId{"producer"},
			Script: "weft_output doubled \"${WEFT_IN_producer_rows}${WEFT_IN_producer_rows}\"\n",
		},
	)
	e := NewExecutor(ctx, g, run)

	producer, _ := g.Task("producer")
	out := e.Run(context.Background(), producer)
	require.Equal(t, scheduler.Completed, out.State)

	consumer, _ := g.Task("consumer")
	out = e.Run(context.Background(), consumer)
	require.NoError(t, out.Err)
	require.Equal(t, scheduler.Completed, out.State)

	values, err := workspace.ReadArtifact(run.OutputArtifactPath("consumer"))
	require.NoError(t, err)
	assert.Equal(t, "4242", values["doubled"])

	// the input link sees exactly the producer's artifact
	link := filepath.Join(run.TaskDir("consumer"), lib.InputPrefix+"producer"+lib.ArtifactExt)
	viaLink, err := workspace.ReadArtifact(link)
	require.NoError(t, err)
	assert.Equal(t, workspace.Artifact{"rows": "42"}, viaLink)
}

func TestRunTaskWithoutOutputs(t *testing.T) {
	ctx, g, run := testSetup(t,
		defs.TaskDefinition{Id: "quiet", Script: "true\n"},
	)
	e := NewExecutor(ctx, g, run)

	task, _ := g.Task("quiet")
	out := e.Run(context.Background(), task)
	require.Equal(t, scheduler.Completed, out.State)

	// no staged outputs still yields an (empty) artifact for dependents
	values, err := workspace.ReadArtifact(run.OutputArtifactPath("quiet"))
	require.NoError(t, err)
	assert.Equal(t, workspace.Artifact{}, values)
}

func TestRunFailingScript(t *testing.T) {
	ctx, g, run := testSetup(t,
		defs.TaskDefinition{Id: "broken", Script: "echo about to fail\nexit 3\n"},
	)
	e := NewExecutor(ctx, g, run)

	task, _ := g.Task("broken")
	out := e.Run(context.Background(), task)
	assert.Equal(t, scheduler.Failed, out.State)
	assert.Equal(t, 3, out.ExitCode)
	assert.ErrorContains(t, out.Err, "exit status 3")

	// no output artifact for a failed task
	assert.NoFileExists(t, run.OutputArtifactPath("broken"))
}

func TestRunUnsetVariableFailsFast(t *testing.T) {
	ctx, g, run := testSetup(t,
		defs.TaskDefinition{Id: "sloppy", Script: "echo \"$NOT_SET_ANYWHERE\"\n"},
	)
	e := NewExecutor(ctx, g, run)

	// set -u in the header makes unset expansion a hard failure
	task, _ := g.Task("sloppy")
	out := e.Run(context.Background(), task)
	assert.Equal(t, scheduler.Failed, out.State)
	assert.NotEqual(t, 0, out.ExitCode)
}

func TestRunCapturesOutputLines(t *testing.T) {
	ctx, g, run := testSetup(t,
		defs.TaskDefinition{Id: "noisy", Script: "echo to stdout\necho to stderr >&2\n"},
	)
	e := NewExecutor(ctx, g, run)

	var mutex sync.Mutex
	captured := map[string][]string{}
	e.OnOutput = func(task *graph.Task, stream string, line string) {
		mutex.Lock()
		defer mutex.Unlock()
		captured[stream] = append(captured[stream], line)
	}

	task, _ := g.Task("noisy")
	out := e.Run(context.Background(), task)
	require.Equal(t, scheduler.Completed, out.State)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Contains(t, captured["stdout"], "to stdout")
	assert.Contains(t, captured["stderr"], "to stderr")

	raw, err := os.ReadFile(filepath.Join(run.TaskDir("noisy"), lib.StdoutLog))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "to stdout")
}

func TestRunAlreadyCancelled(t *testing.T) {
	ctx, g, run := testSetup(t,
		defs.TaskDefinition{Id: "late", Script: "echo never runs\n"},
	)
	e := NewExecutor(ctx, g, run)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	task, _ := g.Task("late")
	out := e.Run(cancelled, task)
	assert.Equal(t, scheduler.Blocked, out.State)
	assert.Error(t, out.Err)
}

func TestSanitizeEnvKey(t *testing.T) {
	assert.Equal(t, "train_fold_3", sanitizeEnvKey("train:fold-3"))
	assert.Equal(t, "plain", sanitizeEnvKey("plain"))
}
