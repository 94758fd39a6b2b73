// Package skipper decides whether a task's cached result can be reused:
// same script content hash and same input file state as the most recent
// known-good execution means nothing to do.
package skipper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"weft/lib"
	"weft/lib/graph"
	"weft/lib/state"
	"weft/lib/tasker/common"
	"weft/lib/workspace"
)

type Skipper struct {
	ctx *common.Context
}

func NewSkipper(ctx *common.Context) Skipper {
	return Skipper{ctx: ctx}
}

// ShouldSkip is consulted by the scheduler just before dispatch. A skip also
// carries the prior output artifact into the current run, so dependents that
// do execute can link their inputs as usual.
// Errors degrade to "run it": a broken history must never suppress work.
func (s Skipper) ShouldSkip(run workspace.Run, t *graph.Task) bool {
	if t.Virtual {
		return false // never dispatched anyway
	}
	if t.Interactive {
		return false // interactive tasks always run
	}

	last, err := s.ctx.Store.LastSuccess(context.Background(), s.ctx.ProjectId(), t.Name)
	if err != nil {
		if !errors.Is(err, state.ErrNoRecord) {
			s.ctx.Logger.Warnf("skipper: history lookup for %q: %v", t.Name, err)
		}
		return false
	}

	if last.ContentHash != t.Hash {
		s.ctx.TaskLogger(t.Name).Debug("script changed, not skipping")
		return false
	}

	digest, err := InputsDigest(t)
	if err != nil {
		s.ctx.Logger.Warnf("skipper: inputs digest for %q: %v", t.Name, err)
		return false
	}
	if digest != last.InputsDigest {
		s.ctx.TaskLogger(t.Name).Debug("inputs changed, not skipping")
		return false
	}

	// The prior run dir may be gone (retention cleanup); then the work is not
	// actually reusable.
	if err := s.ctx.Workspace.CarryForwardArtifact(last.RunDir, run, t.Name); err != nil {
		s.ctx.Logger.Warnf("skipper: %v, re-running %q", err, t.Name)
		return false
	}
	return true
}

// InputsDigest fingerprints a task's resolved input files: path, size and
// mtime per file, directories expanded (minus gitignored files), hashed
// together in sorted order.
func InputsDigest(t *graph.Task) (string, error) {
	files := []string{}
	for _, input := range t.Inputs {
		info, err := os.Stat(input)
		if err != nil {
			return "", fmt.Errorf("stat %q: %w", input, err)
		}
		if !info.IsDir() {
			files = append(files, input)
			continue
		}
		matcher := lib.IgnoreMatcher(input)
		found, err := lib.FindFiles(nil, input, ".*", matcher)
		if err != nil {
			return "", fmt.Errorf("walk %q: %w", input, err)
		}
		files = append(files, found...)
	}
	sort.Strings(files)

	var b strings.Builder
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return "", fmt.Errorf("stat %q: %w", f, err)
		}
		fmt.Fprintf(&b, "%s|%d|%d\n", f, info.Size(), info.ModTime().UnixNano())
	}
	return lib.HashContent([]byte(b.String())), nil
}
