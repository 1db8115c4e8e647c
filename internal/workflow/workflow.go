// Package workflow contains the coordinators that sequence the capture →
// generation → playback pipeline. Workflows never drive collaborators
// directly; they react to topic events and republish commands, and every
// sub-task they spawn is cancelled as a set when they unwind.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/glance/internal/eventbus"
	"github.com/ashureev/glance/internal/mode"
)

// State of a workflow.
type State int

const (
	Idle State = iota
	Active
	Transitioning
	Cancelled
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Transitioning:
		return "transitioning"
	case Cancelled:
		return "cancelled"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// ErrWaitTimeout is returned by waitForAny when the timer wins the race.
var ErrWaitTimeout = errors.New("timed out waiting for event")

// Base carries the machinery shared by both workflows: lifecycle state, the
// tracked task set, subscriptions, and event waiting.
type Base struct {
	name   string
	bus    *eventbus.Bus
	modes  *mode.Machine
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	tasks   map[uint64]context.CancelFunc
	nextID  uint64
	unsubs  []func()
	stopped bool
}

func newBase(name string, bus *eventbus.Bus, modes *mode.Machine, logger *slog.Logger) Base {
	if logger == nil {
		logger = slog.Default()
	}
	return Base{
		name:   name,
		bus:    bus,
		modes:  modes,
		logger: logger.With("workflow", name),
		tasks:  make(map[uint64]context.CancelFunc),
	}
}

// State returns the workflow's lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// track keeps an unsubscribe func for removal on Stop.
func (b *Base) track(unsub func()) {
	b.mu.Lock()
	b.unsubs = append(b.unsubs, unsub)
	b.mu.Unlock()
}

// spawn runs fn as a tracked task. The task is removed from the set when it
// returns; cancelling an already-finished task is a no-op.
func (b *Base) spawn(parent context.Context, name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(parent)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		cancel()
		return
	}
	b.nextID++
	id := b.nextID
	b.tasks[id] = cancel
	b.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			b.mu.Lock()
			delete(b.tasks, id)
			b.mu.Unlock()
		}()
		fn(ctx)
	}()
}

// cancelTasks cancels every tracked task as a set.
func (b *Base) cancelTasks() {
	b.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(b.tasks))
	for _, cancel := range b.tasks {
		cancels = append(cancels, cancel)
	}
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// stop unsubscribes everything and cancels the task set.
func (b *Base) stop() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.stopped = true
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	b.cancelTasks()
	b.setState(Idle)
}

// timer sleeps for d as a tracked task, then runs fire unless cancelled.
func (b *Base) timer(parent context.Context, name string, d time.Duration, fire func()) {
	b.spawn(parent, name, func(ctx context.Context) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			fire()
		case <-ctx.Done():
		}
	})
}

// waitForAny suspends the caller until an event on one of the topics passes
// the session filter, or the timeout fires, whichever is first. The loser of
// the race is cancelled. An event with no session id always passes; so does
// every event when sessionID is empty.
func (b *Base) waitForAny(ctx context.Context, topics []eventbus.Topic, timeout time.Duration, sessionID string) (eventbus.Event, error) {
	ch := make(chan eventbus.Event, len(topics))
	var once sync.Once
	deliver := func(ev eventbus.Event) {
		if id := ev.SessionID(); sessionID != "" && id != "" && id != sessionID {
			return
		}
		once.Do(func() { ch <- ev })
	}

	unsubs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		unsubs = append(unsubs, b.bus.Subscribe(topic, b.name+".wait", eventbus.PriorityNormal, eventbus.Inline, deliver))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	var timerC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}

	select {
	case ev := <-ch:
		return ev, nil
	case <-timerC:
		return eventbus.Event{}, ErrWaitTimeout
	case <-ctx.Done():
		return eventbus.Event{}, ctx.Err()
	}
}
