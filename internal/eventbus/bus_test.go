package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func runBus(t *testing.T) *Bus {
	t.Helper()
	bus := New(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)
	return bus
}

func TestPublishRejectsWrongPayload(t *testing.T) {
	bus := New(0, nil)

	if err := bus.Publish(TopicModeChanged, PlaybackPayload{}); err == nil {
		t.Error("wrong payload type accepted")
	}
	if err := bus.Publish(Topic("no.such.topic"), ModeChangedPayload{}); err == nil {
		t.Error("unknown topic accepted")
	}
	if err := bus.Publish(TopicModeChanged, ModeChangedPayload{Mode: "listening"}); err != nil {
		t.Errorf("valid publish rejected: %v", err)
	}
}

func TestInlineDispatchOrderByPriority(t *testing.T) {
	bus := runBus(t)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	record := func(name string) Handler {
		return func(Event) {
			mu.Lock()
			order = append(order, name)
			if len(order) == 3 {
				close(done)
			}
			mu.Unlock()
		}
	}

	// Registered low first: dispatch must still run high to low.
	bus.Subscribe(TopicModeChanged, "low", PriorityLow, Inline, record("low"))
	bus.Subscribe(TopicModeChanged, "high", PriorityHigh, Inline, record("high"))
	bus.Subscribe(TopicModeChanged, "normal", PriorityNormal, Inline, record("normal"))

	if err := bus.Publish(TopicModeChanged, ModeChangedPayload{Mode: "listening"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handlers did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "normal", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEqualPriorityKeepsRegistrationOrder(t *testing.T) {
	bus := runBus(t)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	for _, name := range []string{"first", "second", "third"} {
		name := name
		bus.Subscribe(TopicModeChanged, name, PriorityNormal, Inline, func(Event) {
			mu.Lock()
			order = append(order, name)
			if len(order) == 3 {
				close(done)
			}
			mu.Unlock()
		})
	}

	if err := bus.Publish(TopicModeChanged, ModeChangedPayload{Mode: "x"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handlers did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("order = %v", order)
	}
}

func TestPanicInHandlerDoesNotStopDispatch(t *testing.T) {
	bus := runBus(t)

	survived := make(chan struct{})
	bus.Subscribe(TopicModeChanged, "bomb", PriorityHigh, Inline, func(Event) {
		panic("boom")
	})
	bus.Subscribe(TopicModeChanged, "survivor", PriorityLow, Inline, func(Event) {
		close(survived)
	})

	if err := bus.Publish(TopicModeChanged, ModeChangedPayload{Mode: "x"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("panic in one handler aborted dispatch to the next")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := runBus(t)

	var count int
	var mu sync.Mutex
	delivered := make(chan struct{}, 4)

	unsub := bus.Subscribe(TopicModeChanged, "once", PriorityNormal, Inline, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
		delivered <- struct{}{}
	})

	bus.Publish(TopicModeChanged, ModeChangedPayload{Mode: "a"})
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("first publish not delivered")
	}

	unsub()
	bus.Publish(TopicModeChanged, ModeChangedPayload{Mode: "b"})

	// Drain the queue to prove nothing else arrives.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("delivered %d times, want 1", count)
	}
}

func TestPublishFromHandlerDoesNotDeadlock(t *testing.T) {
	bus := runBus(t)

	done := make(chan struct{})
	bus.Subscribe(TopicModeChanged, "chain", PriorityNormal, Inline, func(ev Event) {
		p := ev.Payload.(ModeChangedPayload)
		if p.Mode == "first" {
			bus.Publish(TopicModeChanged, ModeChangedPayload{Mode: "second"})
		} else {
			close(done)
		}
	})

	if err := bus.Publish(TopicModeChanged, ModeChangedPayload{Mode: "first"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish from inline handler deadlocked")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	bus := runBus(t)

	seen := make(chan struct{}, 1)
	bus.Subscribe(TopicVoiceActivity, "seen", PriorityNormal, Inline, func(Event) {
		select {
		case seen <- struct{}{}:
		default:
		}
	})

	const total = 300
	for i := 0; i < total; i++ {
		if err := bus.Publish(TopicVoiceActivity, VoiceActivityPayload{Level: float64(i)}); err != nil {
			t.Fatal(err)
		}
	}

	// Wait until the queue drains.
	deadline := time.After(5 * time.Second)
	for bus.History().Len() < bus.History().Capacity() {
		select {
		case <-deadline:
			t.Fatal("history never filled")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := bus.History().Len(); got != 256 {
		t.Errorf("History len = %d, want 256", got)
	}
	events := bus.History().Events()
	if got := len(events); got != 256 {
		t.Errorf("Events len = %d, want 256", got)
	}
	// The ring keeps the newest 256 in publish order.
	for i, ev := range events {
		want := float64(total - 256 + i)
		if got := ev.Payload.(VoiceActivityPayload).Level; got != want {
			t.Fatalf("events[%d].Level = %v, want %v", i, got, want)
		}
	}
}

func TestSequentialPublishesKeepOrder(t *testing.T) {
	bus := runBus(t)

	// Stall dispatch on the first event so the rest of the burst piles up
	// behind it, then check nothing overtook anything.
	const total = 600
	gate := make(chan struct{})
	var mu sync.Mutex
	var levels []float64
	done := make(chan struct{})
	bus.Subscribe(TopicVoiceActivity, "slow", PriorityNormal, Inline, func(ev Event) {
		mu.Lock()
		first := len(levels) == 0
		levels = append(levels, ev.Payload.(VoiceActivityPayload).Level)
		if len(levels) == total {
			close(done)
		}
		mu.Unlock()
		if first {
			<-gate
		}
	})

	for i := 0; i < total; i++ {
		if err := bus.Publish(TopicVoiceActivity, VoiceActivityPayload{Level: float64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	close(gate)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("only %d of %d events delivered", len(levels), total)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range levels {
		if got != float64(i) {
			t.Fatalf("event %d out of order: got %v want %v", i, got, float64(i))
		}
	}
}

func TestEventSessionID(t *testing.T) {
	ev := Event{Topic: TopicPlaybackStarted, Payload: PlaybackPayload{SessionID: "s1"}}
	if ev.SessionID() != "s1" {
		t.Errorf("SessionID = %q", ev.SessionID())
	}
	ev = Event{Topic: TopicModeChanged, Payload: ModeChangedPayload{Mode: "x"}}
	if ev.SessionID() != "" {
		t.Errorf("mode event SessionID = %q, want empty", ev.SessionID())
	}
}
