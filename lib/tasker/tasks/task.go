// Package tasks spawns resolved task scripts: per-task directory setup,
// dependency artifact wiring, captured stdout/stderr, and serialization of
// staged outputs into the task's output artifact.
package tasks

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"weft/lib"
	"weft/lib/graph"
	"weft/lib/tasker/common"
	"weft/lib/tasker/scheduler"
	"weft/lib/workspace"
)

type Executor struct {
	ctx *common.Context
	g   *graph.Graph
	run workspace.Run

	// OnOutput, when set, observes every captured output line.
	OnOutput func(t *graph.Task, stream string, line string)
}

func NewExecutor(ctx *common.Context, g *graph.Graph, run workspace.Run) *Executor {
	return &Executor{ctx: ctx, g: g, run: run}
}

// Run executes one task to a terminal state. Invoked from a scheduler job
// slot; the task directory is exclusively ours.
func (e *Executor) Run(runCtx context.Context, t *graph.Task) scheduler.Outcome {
	out := scheduler.Outcome{StartTime: time.Now()}
	taskLog := e.ctx.TaskLogger(t.Name)

	if runCtx.Err() != nil {
		out.State = scheduler.Blocked
		out.Err = runCtx.Err()
		out.EndTime = time.Now()
		return out
	}

	taskLog.Info("starting task")
	exitCode, err := e.runImpl(runCtx, t, taskLog)
	out.EndTime = time.Now()
	out.ExitCode = exitCode
	if err != nil {
		taskLog.Error("task failed: ", err)
		out.State = scheduler.Failed
		out.Err = err
		return out
	}
	taskLog.Info("finished task")
	out.State = scheduler.Completed
	return out
}

func (e *Executor) runImpl(runCtx context.Context, t *graph.Task, taskLog logrusEntry) (int, error) {
	ws := e.ctx.Workspace

	taskDir, err := ws.MaterializeTaskDir(e.run, t)
	if err != nil {
		return 0, err
	}

	env, err := e.buildEnv(t, taskDir)
	if err != nil {
		return 0, err
	}

	scriptPath := filepath.Join(taskDir, lib.ScriptLink)

	var exitCode int
	if t.Interactive {
		exitCode, err = e.runInteractive(runCtx, t, taskDir, scriptPath, env, taskLog)
	} else {
		exitCode, err = e.runCaptured(runCtx, t, taskDir, scriptPath, env, taskLog)
	}
	if err != nil {
		return exitCode, err
	}
	if exitCode != 0 {
		return exitCode, fmt.Errorf("exit status %d", exitCode)
	}

	// Epilogue: serialize whatever the script staged into the output
	// artifact, even when it staged nothing.
	stage := e.run.OutputStagePath(t.Name)
	values, err := workspace.ParseStage(stage)
	if err != nil {
		return exitCode, err
	}
	if err := workspace.WriteArtifact(e.run.OutputArtifactPath(t.Name), values); err != nil {
		return exitCode, err
	}
	os.Remove(stage)
	return exitCode, nil
}

// buildEnv assembles the exec-time environment: process env, the protocol
// variables, and every dependency's output keys as WEFT_IN_* values. The
// prologue in the rendered script relies on these names.
func (e *Executor) buildEnv(t *graph.Task, taskDir string) ([]string, error) {
	env := os.Environ()
	env = append(env,
		lib.TaskDirEnv+"="+taskDir,
		lib.OutputStageEnv+"="+e.run.OutputStagePath(t.Name),
		lib.CurrTaskEnv+"="+string(t.Name),
		lib.CurrProjectEnv+"="+e.ctx.ProjectId(),
		lib.RunDirEnv+"="+e.run.Dir,
	)

	for _, dep := range e.g.ConcreteDeps(t.Name) {
		link, err := e.ctx.Workspace.LinkDependencyOutput(e.run, t.Name, dep)
		if err != nil {
			return nil, err
		}
		values, err := workspace.ReadArtifact(link)
		if err != nil {
			return nil, err
		}
		for key, val := range values {
			name := lib.InputEnvPrefix + sanitizeEnvKey(string(dep)) + "_" + sanitizeEnvKey(key)
			env = append(env, name+"="+stringifyValue(val))
		}
	}
	return env, nil
}

// runCaptured is the normal execution path: stdout and stderr captured into
// per-task log files and tailed to the task logger.
func (e *Executor) runCaptured(runCtx context.Context, t *graph.Task, taskDir string, scriptPath string, env []string, taskLog logrusEntry) (int, error) {
	cmd := exec.CommandContext(runCtx, t.Shell, scriptPath)
	cmd.Dir = e.ctx.Config.Dir
	cmd.Env = env
	// Own process group, so cancellation reaches the whole script.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
	}
	cmd.WaitDelay = 10 * time.Second

	stdoutLog, err := os.Create(filepath.Join(taskDir, lib.StdoutLog))
	if err != nil {
		return 0, fmt.Errorf("create stdout log: %w", err)
	}
	defer stdoutLog.Close()
	stderrLog, err := os.Create(filepath.Join(taskDir, lib.StderrLog))
	if err != nil {
		return 0, fmt.Errorf("create stderr log: %w", err)
	}
	defer stderrLog.Close()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %q: %w", t.Shell, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.tail(t, "stdout", stdout, stdoutLog, taskLog.Info)
	}()
	go func() {
		defer wg.Done()
		e.tail(t, "stderr", stderr, stderrLog, taskLog.Warn)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, err
	}
	return 0, nil
}

// tail copies one output stream line by line into its log file, the task
// logger, and the output hook.
func (e *Executor) tail(t *graph.Task, stream string, r io.Reader, logFile io.Writer, logFn func(args ...interface{})) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(logFile, line)
		if line != "" {
			logFn(line)
		}
		if e.OnOutput != nil {
			e.OnOutput(t, stream, line)
		}
	}
}

//
// Utils
//

// logrusEntry is the slice of the logrus API the executor needs; it keeps
// test doubles trivial.
type logrusEntry interface {
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

func sanitizeEnvKey(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func stringifyValue(val interface{}) string {
	if s, ok := val.(string); ok {
		return s
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprint(val)
	}
	return string(raw)
}

