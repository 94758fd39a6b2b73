// Package workspace manages the on-disk layout for one project:
//
//	<root>/<project-id>/
//	  .cache/<content-hash>
//	  <run-id>/tasks/<task-name>/
//	    script -> relative symlink into .cache
//	    stdout.log, stderr.log
//	    output.<task>.json
//	    input.<dep>.json -> ../<dep>/output.<dep>.json
//
// All symlinks are relative so the tree stays valid if relocated.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"weft/lib"
	"weft/lib/cache"
	"weft/lib/defs"
	"weft/lib/graph"
)

// mut: false after NewWorkspace
type Workspace struct {
	// <workspace-root>/<project-id>
	Root      string
	ProjectId defs.ProjectId
	Cache     cache.Cache

	logger *log.Entry
}

// Run is one invocation's directory, timestamp-named.
type Run struct {
	Id  string
	Dir string
}

// DefaultRoot is the per-user workspace root unless the config overrides it.
func DefaultRoot() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "weft")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "weft")
	}
	return filepath.Join(home, ".local", "share", "weft")
}

func NewWorkspace(ctxLogger *log.Entry, root string, projectId defs.ProjectId) (Workspace, error) {
	projectRoot := filepath.Join(root, projectId)
	if err := lib.InitPath(projectRoot); err != nil {
		return Workspace{}, fmt.Errorf("workspace: init %q: %w", projectRoot, err)
	}
	scriptCache, err := cache.New(filepath.Join(projectRoot, lib.CacheDir))
	if err != nil {
		return Workspace{}, err
	}
	return Workspace{
		Root:      projectRoot,
		ProjectId: projectId,
		Cache:     scriptCache,
		logger:    ctxLogger,
	}, nil
}

// Lock takes the cross-process workspace lock for the duration of a run.
// lock: r/w
func (ws Workspace) Lock() (*lib.MasterMutex, error) {
	return lib.LockFile(filepath.Join(ws.Root, lib.WorkspaceLockFile))
}

// StateDBPath is where the state store lives for this project.
func (ws Workspace) StateDBPath() string {
	return filepath.Join(ws.Root, lib.StateDBFile)
}

// NewRun creates the timestamp-named directory for one invocation.
func (ws Workspace) NewRun() (Run, error) {
	id := time.Now().UTC().Format("20060102T150405.000")
	dir := filepath.Join(ws.Root, id)
	if err := os.Mkdir(dir, 0755); err != nil {
		return Run{}, fmt.Errorf("workspace: run dir %q: %w", dir, err)
	}
	if err := lib.InitPath(filepath.Join(dir, lib.TasksDir)); err != nil {
		return Run{}, err
	}
	ws.logger.Debug("created run dir ", dir)
	return Run{Id: id, Dir: dir}, nil
}

// TaskDir is the per-task directory inside a run. The directory is
// exclusively owned by the task that creates it.
func (r Run) TaskDir(name defs.TaskId) string {
	return filepath.Join(r.Dir, lib.TasksDir, string(name))
}

// OutputArtifactPath is where a task's serialized output lands.
func (r Run) OutputArtifactPath(name defs.TaskId) string {
	return filepath.Join(r.TaskDir(name), lib.OutputPrefix+string(name)+lib.ArtifactExt)
}

// OutputStagePath is the raw key/value staging file the script appends to.
func (r Run) OutputStagePath(name defs.TaskId) string {
	return filepath.Join(r.TaskDir(name), lib.OutputStageFile)
}

// MaterializeTaskDir stores the task's script in the cache, creates the
// per-task directory and the relative symlink to the cached script.
func (ws Workspace) MaterializeTaskDir(run Run, t *graph.Task) (string, error) {
	hash, err := ws.Cache.Store([]byte(t.Script))
	if err != nil {
		return "", err
	}
	if hash != t.Hash {
		// Would mean Build and Store hash different content.
		return "", fmt.Errorf("workspace: task %q: cache hash %s does not match task hash %s", t.Name, hash, t.Hash)
	}

	dir := run.TaskDir(t.Name)
	if err := lib.InitPath(dir); err != nil {
		return "", fmt.Errorf("workspace: task dir %q: %w", dir, err)
	}

	rel, err := filepath.Rel(dir, ws.Cache.Path(hash))
	if err != nil {
		return "", fmt.Errorf("workspace: rel path: %w", err)
	}
	link := filepath.Join(dir, lib.ScriptLink)
	if err := replaceSymlink(rel, link); err != nil {
		return "", fmt.Errorf("workspace: script link: %w", err)
	}
	return dir, nil
}

// LinkDependencyOutput wires the data-flow edge dep -> task as a relative
// symlink named for the dependency. The dependency's output artifact must
// already exist: a missing target is a scheduler ordering bug, not a normal
// error.
func (ws Workspace) LinkDependencyOutput(run Run, task defs.TaskId, dep defs.TaskId) (string, error) {
	target := run.OutputArtifactPath(dep)
	if _, err := os.Stat(target); err != nil {
		return "", fmt.Errorf("workspace: invariant violation: dependency %q of %q has no output artifact: %w", dep, task, err)
	}

	taskDir := run.TaskDir(task)
	rel, err := filepath.Rel(taskDir, target)
	if err != nil {
		return "", fmt.Errorf("workspace: rel path: %w", err)
	}
	link := filepath.Join(taskDir, lib.InputPrefix+string(dep)+lib.ArtifactExt)
	if err := replaceSymlink(rel, link); err != nil {
		return "", fmt.Errorf("workspace: input link: %w", err)
	}
	return link, nil
}

// CarryForwardArtifact copies a task's output artifact from the run that last
// produced it into the current run. A skipped task still owes its dependents
// an artifact in this run's tree; without the copy their input links would
// point at nothing.
func (ws Workspace) CarryForwardArtifact(prevRunDir string, run Run, name defs.TaskId) error {
	src := filepath.Join(prevRunDir, lib.TasksDir, string(name), lib.OutputPrefix+string(name)+lib.ArtifactExt)
	raw, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("workspace: prior artifact for %q: %w", name, err)
	}

	dir := run.TaskDir(name)
	if err := lib.InitPath(dir); err != nil {
		return fmt.Errorf("workspace: task dir %q: %w", dir, err)
	}
	if err := os.WriteFile(run.OutputArtifactPath(name), raw, 0644); err != nil {
		return fmt.Errorf("workspace: carry artifact for %q: %w", name, err)
	}
	return nil
}

// RunDirs lists existing run directories, oldest first.
func (ws Workspace) RunDirs() ([]string, error) {
	entries, err := os.ReadDir(ws.Root)
	if err != nil {
		return nil, fmt.Errorf("workspace: read root: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == lib.CacheDir {
			continue
		}
		dirs = append(dirs, filepath.Join(ws.Root, e.Name()))
	}
	return dirs, nil
}

func replaceSymlink(target string, link string) error {
	if _, err := os.Lstat(link); err == nil {
		if err := os.Remove(link); err != nil {
			return err
		}
	}
	return os.Symlink(target, link)
}
