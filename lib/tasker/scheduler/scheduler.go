// Package scheduler walks a task graph Kahn-style: in-degree counts per
// task, a ready queue fed the instant a task's last dependency completes,
// and a bounded pool of job slots drawing from it. A separate single-slot
// pool serializes interactive tasks against each other and suspends the
// normal pool while one holds the terminal.
package scheduler

import (
	"context"
	"sync"
	"time"

	"weft/lib/defs"
	"weft/lib/graph"
	"weft/lib/tasker/common"
)

type TaskState string

const (
	// dependencies unmet
	Pending TaskState = "pending"
	// all dependencies terminal, enqueued
	Ready TaskState = "ready"
	// dispatched to a job slot
	Running TaskState = "running"
	// terminal states
	Completed TaskState = "completed"
	Failed    TaskState = "failed"
	Skipped   TaskState = "skipped" // cache hit, completion synthesized
	Blocked   TaskState = "blocked" // upstream failure or cancellation
)

// IsTerminal reports whether a state is final.
func IsTerminal(s TaskState) bool {
	switch s {
	case Completed, Failed, Skipped, Blocked:
		return true
	}
	return false
}

// IsSuccessful reports whether a state satisfies dependents.
func IsSuccessful(s TaskState) bool {
	return s == Completed || s == Skipped
}

// Outcome is the result of one task reaching a terminal state.
type Outcome struct {
	State     TaskState
	ExitCode  int
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// Dispatch runs one task to completion. It is called from a worker
// goroutine holding a job slot and must honor ctx cancellation.
type Dispatch func(ctx context.Context, t *graph.Task) Outcome

// SkipCheck decides a cache hit just before dispatch.
type SkipCheck func(t *graph.Task) bool

// Notify observes every state change. It is always invoked from the
// scheduler's event loop, so calls are serialized: safe for state-store
// writes and event publishing.
type Notify func(t *graph.Task, state TaskState, outcome *Outcome)

type event struct {
	task    *graph.Task
	state   TaskState
	outcome *Outcome
}

type Scheduler struct {
	ctx   common.Context
	graph *graph.Graph
	slots int

	// _ prefix reminder to use mutex when accessing
	_states map[defs.TaskId]TaskState
	mutex   sync.RWMutex
}

func NewScheduler(ctx *common.Context, g *graph.Graph, slots int) *Scheduler {
	states := map[defs.TaskId]TaskState{}
	for _, t := range g.Tasks() {
		states[t.Name] = Pending
	}
	if slots < 1 {
		slots = 1
	}
	return &Scheduler{
		ctx:     *ctx,
		graph:   g,
		slots:   slots,
		_states: states,
	}
}

// State returns a task's current state.
// lock: r
func (s *Scheduler) State(name defs.TaskId) TaskState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s._states[name]
}

// lock: r/w
func (s *Scheduler) setState(name defs.TaskId, state TaskState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s._states[name] = state
}

// Run executes the whole graph and returns every task's outcome. It blocks
// until all tasks reach a terminal state.
//
// All in-degree/ready-queue mutation happens in this goroutine; worker
// goroutines only execute tasks and report back over one channel. That
// channel is the single synchronization point per completion event.
func (s *Scheduler) Run(runCtx context.Context, dispatch Dispatch, shouldSkip SkipCheck, notify Notify) map[defs.TaskId]Outcome {
	total := s.graph.Len()
	outcomes := make(map[defs.TaskId]Outcome, total)
	indeg := s.graph.InDegrees()
	upstreamBad := map[defs.TaskId]bool{}

	events := make(chan event)
	normalSlots := make(chan struct{}, s.slots)
	interactiveSlot := make(chan struct{}, 1)

	var ready []*graph.Task
	for _, t := range s.graph.Tasks() {
		if indeg[t.Name] == 0 {
			ready = append(ready, t)
		}
	}

	cancelled := false
	inflight := 0
	processed := 0

	// synthesized completions are handled inline; real ones arrive as events
	complete := func(t *graph.Task, out Outcome) {
		outcomes[t.Name] = out
		s.setState(t.Name, out.State)
		if notify != nil {
			notify(t, out.State, &out)
		}
		processed++

		bad := !IsSuccessful(out.State)
		for _, depName := range s.graph.Dependents(t.Name) {
			if bad {
				upstreamBad[depName] = true
			}
			indeg[depName]--
			if indeg[depName] == 0 {
				dep, _ := s.graph.Task(depName)
				ready = append(ready, dep)
			}
		}
	}

	for processed < total {
		// Drain the ready queue: synthesize what needs no process, hand the
		// rest to a job slot.
		for len(ready) > 0 {
			t := ready[0]
			ready = ready[1:]

			s.setState(t.Name, Ready)
			if notify != nil {
				notify(t, Ready, nil)
			}

			switch {
			case upstreamBad[t.Name]:
				s.ctx.Logger.Debug("blocking task behind failed dependency: ", t.Name)
				complete(t, Outcome{State: Blocked})
			case cancelled:
				complete(t, Outcome{State: Blocked, Err: runCtx.Err()})
			case t.Virtual:
				// dependency bookkeeping only, never executed
				complete(t, Outcome{State: Completed})
			case shouldSkip != nil && shouldSkip(t):
				s.ctx.Logger.Debug("cache hit, skipping task: ", t.Name)
				complete(t, Outcome{State: Skipped})
			default:
				inflight++
				go s.runTask(runCtx, t, dispatch, events, normalSlots, interactiveSlot)
			}
		}

		if processed == total {
			break
		}

		if inflight == 0 {
			// Ready is drained and nothing is running, yet tasks remain: the
			// graph validation should make this impossible.
			s.ctx.Logger.Error("scheduler is deadlocked! Remaining tasks cannot be scheduled")
			for _, t := range s.graph.Tasks() {
				if _, done := outcomes[t.Name]; !done && !contains(ready, t.Name) {
					complete(t, Outcome{State: Blocked})
				}
			}
			continue
		}

		if cancelled {
			// Stop dispatching, let already-dispatched tasks finish or die.
			ev := <-events
			s.handleEvent(ev, notify, complete, &inflight)
			continue
		}

		select {
		case ev := <-events:
			s.handleEvent(ev, notify, complete, &inflight)
		case <-runCtx.Done():
			s.ctx.Logger.Warn("interrupted, no new tasks will be dispatched")
			cancelled = true
		}
	}

	return outcomes
}

func contains(tasks []*graph.Task, name defs.TaskId) bool {
	for _, t := range tasks {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (s *Scheduler) handleEvent(ev event, notify Notify, complete func(*graph.Task, Outcome), inflight *int) {
	if ev.state == Running {
		s.setState(ev.task.Name, Running)
		if notify != nil {
			notify(ev.task, Running, nil)
		}
		return
	}
	*inflight--
	complete(ev.task, *ev.outcome)
}

// runTask acquires the right job slots, executes, and reports back. It never
// touches scheduler state directly.
//
// An interactive task takes the interactive slot and then every normal slot:
// running normal tasks drain and no new ones start while the terminal session
// is live, so their output cannot tear a raw-mode terminal. Only one
// interactive task collects normal slots at a time, so this cannot deadlock.
func (s *Scheduler) runTask(runCtx context.Context, t *graph.Task, dispatch Dispatch, events chan<- event, normalSlots, interactiveSlot chan struct{}) {
	if t.Interactive {
		interactiveSlot <- struct{}{}
		for i := 0; i < s.slots; i++ {
			normalSlots <- struct{}{}
		}
		defer func() {
			for i := 0; i < s.slots; i++ {
				<-normalSlots
			}
			<-interactiveSlot
		}()
	} else {
		normalSlots <- struct{}{}
		defer func() { <-normalSlots }()
	}

	events <- event{task: t, state: Running}
	out := dispatch(runCtx, t)
	if !IsTerminal(out.State) {
		out.State = Failed
	}
	events <- event{task: t, state: out.State, outcome: &out}
}
