// Package playback adapts the audio-output collaborator to the event bus:
// it consumes playback.chunk frames, validates them, and publishes the
// playback.* lifecycle events the processing workflow joins on. The actual
// device output sits behind Sink.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/glance/internal/eventbus"
	"github.com/ashureev/glance/internal/proto/assist"
)

// Sink receives validated PCM for output. Implementations live with the
// audio-device collaborator; DiscardSink keeps the pipeline running without
// one.
type Sink interface {
	// Play writes one chunk's samples. Blocking is fine; the adapter runs
	// scheduled, off the bus goroutine.
	Play(sessionID string, chunk *assist.AudioChunk) error
	// Cancel drops anything buffered for the session.
	Cancel(sessionID string)
}

// DiscardSink counts samples and drops them.
type DiscardSink struct {
	mu      sync.Mutex
	samples int
}

func (d *DiscardSink) Play(sessionID string, chunk *assist.AudioChunk) error {
	n, err := chunk.SampleCount()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.samples += n
	d.mu.Unlock()
	return nil
}

func (d *DiscardSink) Cancel(string) {}

// Samples returns the total number of samples played.
func (d *DiscardSink) Samples() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.samples
}

// Player tracks per-session playback progress and emits lifecycle events.
type Player struct {
	bus    *eventbus.Bus
	sink   Sink
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]bool // sessionID -> started event published
	// cancelled remembers dropped sessions until their end-of-stream frame
	// arrives; entries expire after cancelTTL in case it never does (the
	// session was cancelled before the stream produced anything).
	cancelled map[string]time.Time
	cancelTTL time.Duration
	unsubs    []func()
}

// NewPlayer creates the adapter; Start wires it to the bus.
func NewPlayer(bus *eventbus.Bus, sink Sink, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = &DiscardSink{}
	}
	return &Player{
		bus:       bus,
		sink:      sink,
		logger:    logger,
		active:    make(map[string]bool),
		cancelled: make(map[string]time.Time),
		cancelTTL: time.Minute,
	}
}

// Start subscribes to the chunk and cancel topics.
func (p *Player) Start() {
	p.unsubs = append(p.unsubs,
		p.bus.Subscribe(eventbus.TopicPlaybackChunk, "player", eventbus.PriorityNormal, eventbus.Scheduled, func(ev eventbus.Event) {
			p.handleChunk(ev.Payload.(eventbus.PlaybackChunkPayload))
		}),
		p.bus.Subscribe(eventbus.TopicPlaybackCancelled, "player", eventbus.PriorityHigh, eventbus.Inline, func(ev eventbus.Event) {
			payload := ev.Payload.(eventbus.CancelPayload)
			p.cancel(payload.SessionID, payload.Reason)
		}),
	)
}

// Stop unsubscribes from the bus.
func (p *Player) Stop() {
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
}

func (p *Player) publish(topic eventbus.Topic, sessionID, errText string) {
	if err := p.bus.Publish(topic, eventbus.PlaybackPayload{SessionID: sessionID, Error: errText}); err != nil {
		p.logger.Error("failed to publish playback event", "topic", string(topic), "error", err)
	}
}

// isCancelled reports whether the session was dropped, expiring stale
// entries as a side effect. Callers hold p.mu.
func (p *Player) isCancelled(sessionID string) bool {
	when, ok := p.cancelled[sessionID]
	if !ok {
		return false
	}
	if time.Since(when) > p.cancelTTL {
		delete(p.cancelled, sessionID)
		return false
	}
	return true
}

func (p *Player) handleChunk(chunk eventbus.PlaybackChunkPayload) {
	p.mu.Lock()
	if p.isCancelled(chunk.SessionID) {
		if chunk.EndOfStream {
			delete(p.cancelled, chunk.SessionID)
		}
		p.mu.Unlock()
		return
	}
	first := !p.active[chunk.SessionID] && !chunk.EndOfStream
	if first {
		p.active[chunk.SessionID] = true
	}
	p.mu.Unlock()

	if first {
		p.publish(eventbus.TopicPlaybackStarted, chunk.SessionID, "")
	}

	if chunk.EndOfStream {
		p.mu.Lock()
		wasActive := p.active[chunk.SessionID]
		delete(p.active, chunk.SessionID)
		p.mu.Unlock()
		if !wasActive {
			// A stream can legitimately end before any audio arrived
			// (interrupted before the first chunk). Playback of nothing
			// still completes so the join does not stall.
			p.publish(eventbus.TopicPlaybackStarted, chunk.SessionID, "")
		}
		p.publish(eventbus.TopicPlaybackCompleted, chunk.SessionID, "")
		return
	}

	audio := &assist.AudioChunk{
		AudioData: chunk.AudioData,
		Dtype:     chunk.Dtype,
		Shape:     chunk.Shape,
	}
	if err := p.sink.Play(chunk.SessionID, audio); err != nil {
		p.logger.Error("playback failed", "session_id", chunk.SessionID, "error", err)
		p.mu.Lock()
		delete(p.active, chunk.SessionID)
		p.cancelled[chunk.SessionID] = time.Now()
		p.mu.Unlock()
		p.publish(eventbus.TopicPlaybackFailed, chunk.SessionID, err.Error())
	}
}

func (p *Player) cancel(sessionID, reason string) {
	now := time.Now()
	p.mu.Lock()
	for id, when := range p.cancelled {
		if now.Sub(when) > p.cancelTTL {
			delete(p.cancelled, id)
		}
	}
	if sessionID == "" {
		// Global cancel: drop every active session.
		for id := range p.active {
			p.cancelled[id] = now
			delete(p.active, id)
			p.sink.Cancel(id)
		}
		p.mu.Unlock()
		return
	}
	delete(p.active, sessionID)
	p.cancelled[sessionID] = now
	p.mu.Unlock()

	p.sink.Cancel(sessionID)
	p.logger.Info("playback cancelled", "session_id", sessionID, "reason", reason)
}
