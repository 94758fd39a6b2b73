package tasker

import (
	"context"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"weft/lib"
	"weft/lib/defs"
	"weft/lib/graph"
	"weft/lib/state"
	"weft/lib/tasker/common"
	"weft/lib/tasker/scheduler"
	"weft/lib/tasker/skipper"
	"weft/lib/tasker/tasks"
)

// Runner owns one invocation end to end: workspace run dir, state-store run
// row, scheduler, executor, and the event stream.
type Runner struct {
	Graph       *graph.Graph
	Scheduler   *scheduler.Scheduler
	Skipper     skipper.Skipper
	Parallelism int

	events broadcaster
}

type taskRunResult string

const (
	Success taskRunResult = "success"
	Failure taskRunResult = "failure"
	Cached  taskRunResult = "cached"
	Blocked taskRunResult = "blocked"
)

type TaskRunResult struct {
	TaskId    defs.TaskId
	StartTime time.Time
	EndTime   time.Time
	Result    taskRunResult
	ExitCode  int
}

type RunnerRunResult struct {
	RunId          string
	StartTime      time.Time
	EndTime        time.Time
	TaskRunResults []TaskRunResult
}

func (rr RunnerRunResult) Taken() int64 {
	return rr.EndTime.Sub(rr.StartTime).Milliseconds()
}

// Failed reports whether the run as a whole should exit non-zero.
func (rr RunnerRunResult) Failed() bool {
	for _, trr := range rr.TaskRunResults {
		if trr.Result == Failure {
			return true
		}
	}
	return false
}

func (trr TaskRunResult) StartTimeSinceRunBegin(rr RunnerRunResult) string {
	if trr.StartTime.IsZero() {
		return "-"
	}
	return strconv.FormatInt(trr.StartTime.Sub(rr.StartTime).Milliseconds(), 10) + "ms"
}

func (trr TaskRunResult) EndTimeSinceRunBegin(rr RunnerRunResult) string {
	if trr.EndTime.IsZero() {
		return "-"
	}
	return strconv.FormatInt(trr.EndTime.Sub(rr.StartTime).Milliseconds(), 10) + "ms"
}

func (trr TaskRunResult) Taken() string {
	if trr.EndTime.IsZero() || trr.StartTime.IsZero() {
		return "-"
	}
	return strconv.FormatInt(trr.EndTime.Sub(trr.StartTime).Milliseconds(), 10) + "ms"
}

func NewRunner(ctx *common.Context, g *graph.Graph, parallelism int) *Runner {
	if parallelism <= 0 {
		parallelism = ctx.Config.Parallelism()
	}
	return &Runner{
		Graph:       g,
		Scheduler:   scheduler.NewScheduler(ctx, g, parallelism),
		Skipper:     skipper.NewSkipper(ctx),
		Parallelism: parallelism,
	}
}

// Subscribe registers an event consumer. Call before Start.
func (r *Runner) Subscribe(fn Subscriber) {
	r.events.subscribe(fn)
}

// Start blocks until every task in the graph reaches a terminal state.
func (r *Runner) Start(runCtx context.Context, ctx *common.Context) (RunnerRunResult, error) {
	log.Debug("starting runner")

	// One run at a time per project workspace.
	lock, err := ctx.Workspace.Lock()
	if err != nil {
		return RunnerRunResult{}, err
	}
	defer lib.UnlockFile(lock)

	run, err := ctx.Workspace.NewRun()
	if err != nil {
		return RunnerRunResult{}, err
	}
	runId, err := ctx.Store.BeginRun(context.Background(), ctx.ProjectId(), run.Dir)
	if err != nil {
		return RunnerRunResult{}, err
	}

	executor := tasks.NewExecutor(ctx, r.Graph, run)
	executor.OnOutput = func(t *graph.Task, stream string, line string) {
		r.events.publish(Event{Task: t.Name, Kind: EventOutput, Stream: stream, Line: line})
	}

	result := RunnerRunResult{
		RunId:     runId,
		StartTime: time.Now(),
	}

	// notify runs on the scheduler loop goroutine, so state-store writes are
	// naturally serialized, one transaction boundary per completion event.
	notify := func(t *graph.Task, st scheduler.TaskState, outcome *scheduler.Outcome) {
		r.events.publish(Event{Task: t.Name, Kind: EventStatus, State: st})
		if outcome == nil || t.Virtual {
			return
		}
		r.recordTask(ctx, runId, t, *outcome)
	}

	shouldSkip := func(t *graph.Task) bool {
		return r.Skipper.ShouldSkip(run, t)
	}

	outcomes := r.Scheduler.Run(runCtx, executor.Run, shouldSkip, notify)
	result.EndTime = time.Now()

	for _, t := range r.Graph.Tasks() {
		if t.Virtual {
			continue
		}
		out := outcomes[t.Name]
		result.TaskRunResults = append(result.TaskRunResults, TaskRunResult{
			TaskId:    t.Name,
			StartTime: out.StartTime,
			EndTime:   out.EndTime,
			Result:    mapResult(out.State),
			ExitCode:  out.ExitCode,
		})
	}

	status := state.StatusCompleted
	if result.Failed() {
		status = state.StatusFailed
	}
	if runCtx.Err() != nil {
		status = state.StatusCancelled
	}
	if err := ctx.Store.FinishRun(context.Background(), runId, status); err != nil {
		ctx.Logger.Warn("could not finish run record: ", err)
	}
	return result, nil
}

func (r *Runner) recordTask(ctx *common.Context, runId string, t *graph.Task, out scheduler.Outcome) {
	rec := state.TaskRecord{
		RunId:       runId,
		Name:        t.Name,
		Status:      mapStatus(out.State),
		StartedAt:   out.StartTime,
		EndedAt:     out.EndTime,
		ExitCode:    out.ExitCode,
		ContentHash: t.Hash,
	}
	if scheduler.IsSuccessful(out.State) {
		digest, err := skipper.InputsDigest(t)
		if err != nil {
			ctx.Logger.Warnf("inputs digest for %q: %v", t.Name, err)
		}
		rec.InputsDigest = digest
	}
	if err := ctx.Store.RecordTask(context.Background(), rec); err != nil {
		ctx.Logger.Warn("could not record task: ", err)
	}
}

func mapResult(st scheduler.TaskState) taskRunResult {
	switch st {
	case scheduler.Completed:
		return Success
	case scheduler.Skipped:
		return Cached
	case scheduler.Failed:
		return Failure
	default:
		return Blocked
	}
}

func mapStatus(st scheduler.TaskState) string {
	switch st {
	case scheduler.Completed:
		return state.StatusCompleted
	case scheduler.Skipped:
		return state.StatusSkipped
	case scheduler.Failed:
		return state.StatusFailed
	default:
		return state.StatusBlocked
	}
}
