package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"weft/lib"
	"weft/lib/graph"
)

// runInteractive executes a task that needs exclusive control of the
// terminal: the child runs on a pseudo-terminal, bytes are proxied in both
// directions, and a copy of the child's output is teed into the log file.
//
// Without a controlling terminal this degrades to captured execution with a
// warning rather than failing the task.
func (e *Executor) runInteractive(runCtx context.Context, t *graph.Task, taskDir string, scriptPath string, env []string, taskLog logrusEntry) (int, error) {
	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		taskLog.Warn("no controlling terminal, running interactive task non-interactively")
		return e.runCaptured(runCtx, t, taskDir, scriptPath, env, taskLog)
	}

	cmd := exec.Command(t.Shell, scriptPath)
	cmd.Dir = e.ctx.Config.Dir
	cmd.Env = env

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("pty start: %w", err)
	}
	defer ptmx.Close()

	// Forward resizes, seed with the current size.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if err := pty.InheritSize(os.Stdin, ptmx); err != nil {
				taskLog.Warn("pty resize: ", err)
			}
		}
	}()
	winch <- syscall.SIGWINCH

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return 0, fmt.Errorf("terminal raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	logFile, err := os.Create(filepath.Join(taskDir, lib.StdoutLog))
	if err != nil {
		return 0, fmt.Errorf("create log: %w", err)
	}
	defer logFile.Close()
	// stderr is interleaved through the pty; keep the file present so the
	// task dir layout stays uniform.
	if err := lib.InitFile(filepath.Join(taskDir, lib.StderrLog)); err != nil {
		return 0, err
	}

	// Two independent directional copy loops coordinated by cancellation.
	go func() {
		// terminal -> child; unblocked when the pty closes
		io.Copy(ptmx, os.Stdin)
	}()
	copyDone := make(chan struct{})
	go func() {
		// child -> terminal, teed into the log
		io.Copy(io.MultiWriter(os.Stdout, logFile), ptmx)
		close(copyDone)
	}()
	go func() {
		select {
		case <-runCtx.Done():
			if cmd.Process != nil {
				cmd.Process.Signal(syscall.SIGINT)
			}
		case <-copyDone:
		}
	}()

	err = cmd.Wait()
	<-copyDone
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, err
	}
	return 0, nil
}
