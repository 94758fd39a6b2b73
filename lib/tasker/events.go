package tasker

import (
	"sync"
	"time"

	"weft/lib/defs"
	"weft/lib/tasker/scheduler"
)

// The event stream is the engine's one-directional feed for display layers:
// a TUI would subscribe exactly like the CLI report does. The engine never
// reads anything back.

type EventKind string

const (
	// a task changed state (ready/running/terminal)
	EventStatus EventKind = "status"
	// one captured output line
	EventOutput EventKind = "output"
)

type Event struct {
	Task   defs.TaskId
	Kind   EventKind
	State  scheduler.TaskState
	Stream string // "stdout" or "stderr" for EventOutput
	Line   string
	Time   time.Time
}

type Subscriber func(Event)

// broadcaster fans events out to subscribers. Publishers run on multiple
// goroutines (scheduler loop, output tails), so delivery is serialized.
type broadcaster struct {
	mutex       sync.Mutex
	subscribers []Subscriber
}

func (b *broadcaster) subscribe(fn Subscriber) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

func (b *broadcaster) publish(ev Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	ev.Time = time.Now()
	for _, fn := range b.subscribers {
		fn(ev)
	}
}
