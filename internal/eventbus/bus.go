package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DispatchMode selects how a subscriber's handler runs.
type DispatchMode int

const (
	// Inline handlers run on the bus goroutine, in priority order, before
	// the next event is dispatched. They must not block.
	Inline DispatchMode = iota
	// Scheduled handlers run as independent goroutines, started in
	// priority order. Long-running work belongs here.
	Scheduled
)

// Handler receives events for a subscription.
type Handler func(Event)

// Priority levels. Higher runs first.
const (
	PriorityLow      = 0
	PriorityNormal   = 10
	PriorityHigh     = 20
	PriorityCritical = 30
)

type subscription struct {
	id       uint64
	name     string
	priority int
	mode     DispatchMode
	handler  Handler
}

// Bus dispatches typed events to prioritized subscribers. All dispatch
// happens on the goroutine running Run: publishes from any other goroutine
// are appended to a pending queue drained FIFO on it, so sequential
// publishes from one goroutine are always dispatched in publish order.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID uint64

	qmu     sync.Mutex
	pending []Event
	wake    chan struct{}

	history *History
	running atomic.Bool
}

// New creates a bus with a history ring of historySize events (256 if <= 0).
func New(historySize int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger,
		subs:    make(map[Topic][]subscription),
		wake:    make(chan struct{}, 1),
		history: NewHistory(historySize),
	}
}

// Subscribe registers a handler for a topic. Returns an unsubscribe func.
// Subscribers with equal priority keep registration order.
func (b *Bus) Subscribe(topic Topic, name string, priority int, mode DispatchMode, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{
		id:       b.nextID,
		name:     name,
		priority: priority,
		mode:     mode,
		handler:  handler,
	}
	subs := append(b.subs[topic], sub)
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].priority > subs[j].priority })
	b.subs[topic] = subs

	id := sub.id
	return func() { b.unsubscribe(topic, id) }
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish validates the payload against the topic's registered type and
// queues the event for dispatch on the bus goroutine. It never runs handlers
// inline in the caller's context.
func (b *Bus) Publish(topic Topic, payload any) error {
	want, ok := payloadTypes[topic]
	if !ok {
		return fmt.Errorf("eventbus: unknown topic %q", topic)
	}
	if reflect.TypeOf(payload) != reflect.TypeOf(want) {
		return fmt.Errorf("eventbus: topic %q wants %T, got %T", topic, want, payload)
	}

	ev := Event{Topic: topic, Payload: payload, Time: time.Now()}
	b.qmu.Lock()
	b.pending = append(b.pending, ev)
	b.qmu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run owns dispatch until ctx is cancelled. Exactly one Run may be active.
func (b *Bus) Run(ctx context.Context) {
	if !b.running.CompareAndSwap(false, true) {
		panic("eventbus: Run called twice")
	}
	defer b.running.Store(false)

	b.logger.Info("event bus running")
	for {
		select {
		case <-b.wake:
			b.drain()
		case <-ctx.Done():
			b.logger.Info("event bus stopped", "reason", ctx.Err())
			return
		}
	}
}

// drain dispatches pending events in batches until the queue is empty.
// Inline handlers that publish append to a fresh batch, picked up on the
// next pass, so per-publisher FIFO order holds across batches.
func (b *Bus) drain() {
	for {
		b.qmu.Lock()
		batch := b.pending
		b.pending = nil
		b.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.history.Append(ev)

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[ev.Topic]))
	copy(subs, b.subs[ev.Topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		switch sub.mode {
		case Inline:
			b.invoke(sub, ev)
		case Scheduled:
			go b.invoke(sub, ev)
		}
	}
}

// invoke runs one handler, containing panics so a failing subscriber can
// never abort dispatch to the remaining ones.
func (b *Bus) invoke(sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"subscriber", sub.name,
				"topic", string(ev.Topic),
				"panic", r)
		}
	}()
	sub.handler(ev)
}

// History returns the bounded event history ring.
func (b *Bus) History() *History {
	return b.history
}
