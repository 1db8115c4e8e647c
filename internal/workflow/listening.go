package workflow

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/glance/internal/eventbus"
	"github.com/ashureev/glance/internal/mode"
)

// ListeningConfig tunes the recording window.
type ListeningConfig struct {
	// Debounce is the minimum valid recording duration; anything shorter
	// is treated as an accidental press.
	Debounce time.Duration
	// MaxDuration forces recording_stop regardless of voice activity.
	MaxDuration time.Duration
}

// DefaultListeningConfig returns the production defaults.
func DefaultListeningConfig() ListeningConfig {
	return ListeningConfig{
		Debounce:    300 * time.Millisecond,
		MaxDuration: 30 * time.Second,
	}
}

// Listening coordinates the recording stage: it opens on recording_start,
// rejects accidental presses via the debounce timer, force-stops at the
// maximum duration, and hands the pipeline to Processing on a valid stop.
type Listening struct {
	Base
	cfg ListeningConfig

	// lastActivity is refreshed by voice.activity events; it never resets
	// the hard maximum.
	lastActivity atomic.Int64
}

// NewListening creates the workflow; Start wires it to the bus.
func NewListening(bus *eventbus.Bus, modes *mode.Machine, cfg ListeningConfig, logger *slog.Logger) *Listening {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultListeningConfig().Debounce
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultListeningConfig().MaxDuration
	}
	return &Listening{
		Base: newBase("listening", bus, modes, logger),
		cfg:  cfg,
	}
}

// Start subscribes the workflow to its topics.
func (w *Listening) Start(ctx context.Context) {
	w.track(w.bus.Subscribe(eventbus.TopicRecordingStart, "listening", eventbus.PriorityNormal, eventbus.Scheduled, func(ev eventbus.Event) {
		payload := ev.Payload.(eventbus.RecordingPayload)
		w.runSession(ctx, payload.SessionID)
	}))
	w.track(w.bus.Subscribe(eventbus.TopicVoiceActivity, "listening", eventbus.PriorityLow, eventbus.Inline, func(ev eventbus.Event) {
		w.lastActivity.Store(time.Now().UnixNano())
	}))
}

// Stop unwinds the workflow and every timer it spawned.
func (w *Listening) Stop() {
	w.stop()
}

// runSession drives one recording from start to its terminal transition.
func (w *Listening) runSession(ctx context.Context, sessionID string) {
	if w.State() == Active {
		w.logger.Warn("recording_start while already active; ignoring", "session_id", sessionID)
		return
	}
	w.setState(Active)
	started := time.Now()
	w.lastActivity.Store(started.UnixNano())
	w.modes.Request(mode.Listening, "recording started")
	w.logger.Info("recording started", "session_id", sessionID)

	// Two independent timers: the debounce marks the minimum valid
	// duration; the maximum forces a stop event other collaborators see.
	var minDurationMet atomic.Bool
	w.timer(ctx, "debounce", w.cfg.Debounce, func() {
		minDurationMet.Store(true)
	})
	w.timer(ctx, "max_duration", w.cfg.MaxDuration, func() {
		w.logger.Warn("maximum recording duration reached", "session_id", sessionID)
		if err := w.bus.Publish(eventbus.TopicRecordingStop, eventbus.RecordingPayload{
			SessionID: sessionID,
			Reason:    "max_duration",
		}); err != nil {
			w.logger.Error("failed to publish forced stop", "error", err)
		}
	})

	ev, err := w.waitForAny(ctx, []eventbus.Topic{
		eventbus.TopicRecordingStop,
		eventbus.TopicKeyboardShortPress,
		eventbus.TopicInterruptRequest,
	}, w.cfg.MaxDuration+time.Second, sessionID)

	w.cancelTasks()

	if err != nil {
		// Cancelled or belt-and-braces timeout past the forced stop.
		w.setState(Cancelled)
		w.modes.Request(mode.Sleeping, "recording aborted")
		w.setState(Idle)
		return
	}

	switch ev.Topic {
	case eventbus.TopicKeyboardShortPress, eventbus.TopicInterruptRequest:
		w.logger.Info("recording interrupted", "session_id", sessionID, "topic", string(ev.Topic))
		w.setState(Cancelled)
		w.modes.Request(mode.Sleeping, "recording interrupted")
	case eventbus.TopicRecordingStop:
		duration := time.Since(started)
		if duration < w.cfg.Debounce || !minDurationMet.Load() {
			w.logger.Info("recording too short, discarding",
				"session_id", sessionID,
				"duration", duration)
			w.modes.Request(mode.Sleeping, "recording too short")
		} else {
			w.logger.Info("recording complete",
				"session_id", sessionID,
				"duration", duration)
			w.setState(Transitioning)
			w.modes.Request(mode.Processing, "recording complete")
		}
	}
	w.setState(Idle)
}
