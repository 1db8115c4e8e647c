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

// Stage of the processing pipeline.
type Stage int

const (
	StageStarting Stage = iota
	StageCapturing
	StageSendingRequest
	StagePlayingAudio
	StageCompleting
)

func (s Stage) String() string {
	switch s {
	case StageStarting:
		return "starting"
	case StageCapturing:
		return "capturing"
	case StageSendingRequest:
		return "sending_request"
	case StagePlayingAudio:
		return "playing_audio"
	case StageCompleting:
		return "completing"
	default:
		return "unknown"
	}
}

// ProcessingConfig tunes the pipeline timeouts.
type ProcessingConfig struct {
	// StageTimeout bounds each individual stage.
	StageTimeout time.Duration
	// OverallTimeout bounds the whole pipeline run.
	OverallTimeout time.Duration
}

// DefaultProcessingConfig returns the production defaults.
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		StageTimeout:   30 * time.Second,
		OverallTimeout: 300 * time.Second,
	}
}

// Processing sequences capture → request → playback purely by reacting to
// topic events. It never calls the RPC, capture, or playback subsystems; the
// only things it emits are cancellation commands and mode requests.
//
// Collaborator events are latched by subscriptions that live for the
// workflow's whole lifetime, so a completion published while the pipeline is
// between stage waits is never lost: the waits consult the latched state
// before blocking.
type Processing struct {
	Base
	cfg ProcessingConfig

	mu                 sync.Mutex
	active             bool
	stage              Stage
	sessionID          string
	screenshotCaptured bool
	requestCompleted   bool
	playbackStarted    bool
	playbackCompleted  bool
	interrupted        bool
	failure            string

	notify chan struct{}
}

// NewProcessing creates the workflow; Start wires it to the bus.
func NewProcessing(bus *eventbus.Bus, modes *mode.Machine, cfg ProcessingConfig, logger *slog.Logger) *Processing {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultProcessingConfig().StageTimeout
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = DefaultProcessingConfig().OverallTimeout
	}
	return &Processing{
		Base:   newBase("processing", bus, modes, logger),
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
}

// Start subscribes the workflow to mode changes and to its collaborator
// topics; each transition into Processing runs one pipeline.
func (w *Processing) Start(ctx context.Context) {
	w.track(w.bus.Subscribe(eventbus.TopicModeChanged, "processing", eventbus.PriorityNormal, eventbus.Inline, func(ev eventbus.Event) {
		payload := ev.Payload.(eventbus.ModeChangedPayload)
		if payload.Mode != mode.Processing.String() {
			return
		}
		w.beginPipeline(ctx)
	}))

	w.track(w.bus.Subscribe(eventbus.TopicScreenshotCaptured, "processing", eventbus.PriorityNormal, eventbus.Inline, func(ev eventbus.Event) {
		w.latch(ev, func() { w.screenshotCaptured = true })
	}))
	w.track(w.bus.Subscribe(eventbus.TopicScreenshotError, "processing", eventbus.PriorityNormal, eventbus.Inline, func(ev eventbus.Event) {
		payload := ev.Payload.(eventbus.ScreenshotErrorPayload)
		w.latch(ev, func() {
			w.logger.Warn("screenshot failed, proceeding without image", "error", payload.Error)
			w.screenshotCaptured = true
		})
	}))
	w.track(w.bus.Subscribe(eventbus.TopicGrpcRequestCompleted, "processing", eventbus.PriorityNormal, eventbus.Inline, func(ev eventbus.Event) {
		w.latch(ev, func() { w.requestCompleted = true })
	}))
	w.track(w.bus.Subscribe(eventbus.TopicPlaybackStarted, "processing", eventbus.PriorityNormal, eventbus.Inline, func(ev eventbus.Event) {
		w.latch(ev, func() { w.playbackStarted = true })
	}))
	w.track(w.bus.Subscribe(eventbus.TopicPlaybackCompleted, "processing", eventbus.PriorityNormal, eventbus.Inline, func(ev eventbus.Event) {
		w.latch(ev, func() { w.playbackCompleted = true })
	}))
	w.track(w.bus.Subscribe(eventbus.TopicGrpcRequestFailed, "processing", eventbus.PriorityNormal, eventbus.Inline, func(ev eventbus.Event) {
		w.latch(ev, func() { w.failure = string(ev.Topic) })
	}))
	w.track(w.bus.Subscribe(eventbus.TopicPlaybackFailed, "processing", eventbus.PriorityNormal, eventbus.Inline, func(ev eventbus.Event) {
		w.latch(ev, func() { w.failure = string(ev.Topic) })
	}))
	w.track(w.bus.Subscribe(eventbus.TopicInterruptRequest, "processing", eventbus.PriorityHigh, eventbus.Inline, func(ev eventbus.Event) {
		w.latch(ev, func() { w.interrupted = true })
	}))
}

// Stop unwinds the workflow; an in-flight pipeline is a tracked task, so its
// context is cancelled with the rest of the set.
func (w *Processing) Stop() {
	w.stop()
}

// Stage returns the current pipeline stage.
func (w *Processing) Stage() Stage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stage
}

// latch applies fn to the pipeline state if the pipeline is active and the
// event belongs to its session, then wakes the runner. The first event
// carrying a session id pins the pipeline to it so stale events from an
// earlier run cannot feed this one.
func (w *Processing) latch(ev eventbus.Event, fn func()) {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	if id := ev.SessionID(); id != "" {
		if w.sessionID == "" {
			w.sessionID = id
		} else if id != w.sessionID {
			w.mu.Unlock()
			return
		}
	}
	fn()
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Processing) resetPipeline() {
	w.mu.Lock()
	w.active = false
	w.stage = StageStarting
	w.sessionID = ""
	w.screenshotCaptured = false
	w.requestCompleted = false
	w.playbackStarted = false
	w.playbackCompleted = false
	w.interrupted = false
	w.failure = ""
	w.mu.Unlock()
}

func (w *Processing) setStage(s Stage) {
	w.mu.Lock()
	from := w.stage
	w.stage = s
	w.mu.Unlock()
	w.logger.Info("stage transition", "from", from.String(), "to", s.String())
}

// beginPipeline runs inline on the bus goroutine so the latches are armed
// before any event published after the mode change is dispatched.
func (w *Processing) beginPipeline(parent context.Context) {
	if w.State() == Active {
		w.logger.Warn("pipeline already active; ignoring mode change")
		return
	}
	w.setState(Active)
	w.resetPipeline()
	w.mu.Lock()
	w.active = true
	w.mu.Unlock()

	// Drop a stale wake-up left by a previous run.
	select {
	case <-w.notify:
	default:
	}

	w.spawn(parent, "pipeline", w.runPipeline)
}

func (w *Processing) runPipeline(parent context.Context) {
	// The overall ceiling is independent of any per-stage timer.
	ctx, cancel := context.WithTimeout(parent, w.cfg.OverallTimeout)
	defer cancel()

	err := w.advance(ctx)
	switch {
	case err == nil:
		w.setStage(StageCompleting)
		w.modes.Request(mode.Sleeping, "pipeline complete")
	case errors.Is(err, ErrWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		w.logger.Error("pipeline timed out", "stage", w.Stage().String())
		w.interruptPipeline("timeout")
	case errors.Is(err, errPipelineInterrupted):
		// Cooperative control flow, not a failure.
		w.logger.Info("pipeline interrupted")
		w.interruptPipeline("interrupt")
	case errors.Is(err, context.Canceled):
		w.interruptPipeline("cancelled")
	default:
		w.logger.Error("pipeline failed", "stage", w.Stage().String(), "error", err)
		w.interruptPipeline(err.Error())
	}

	w.resetPipeline()
	w.setState(Idle)
}

var errPipelineInterrupted = errors.New("pipeline interrupted")

// awaitCond blocks until ready reports true against the latched state, the
// stage timeout fires, or the run is cancelled. Interrupts and collaborator
// failures preempt whatever the stage is waiting for.
func (w *Processing) awaitCond(ctx context.Context, ready func() bool) error {
	t := time.NewTimer(w.cfg.StageTimeout)
	defer t.Stop()

	for {
		w.mu.Lock()
		interrupted := w.interrupted
		failure := w.failure
		done := ready()
		w.mu.Unlock()

		if interrupted {
			return errPipelineInterrupted
		}
		if failure != "" {
			return errors.New("collaborator failure: " + failure)
		}
		if done {
			return nil
		}

		select {
		case <-w.notify:
			// Each observed event restarts the stage clock; the overall
			// ctx deadline still caps the run.
			if !t.Stop() {
				<-t.C
			}
			t.Reset(w.cfg.StageTimeout)
		case <-t.C:
			return ErrWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// advance walks the stages against the latched state. Every condition is
// re-checked before blocking, so events that landed between stages count.
func (w *Processing) advance(ctx context.Context) error {
	// Capturing → SendingRequest on capture success or failure alike: a
	// failed capture degrades gracefully, the request proceeds without an
	// image.
	w.setStage(StageCapturing)
	if err := w.awaitCond(ctx, func() bool { return w.screenshotCaptured }); err != nil {
		return err
	}

	// SendingRequest → PlayingAudio on playback.started or
	// grpc.request_completed, whichever happens first; the two are not
	// ordered relative to each other.
	w.setStage(StageSendingRequest)
	if err := w.awaitCond(ctx, func() bool { return w.playbackStarted || w.requestCompleted }); err != nil {
		return err
	}

	// Order-independent two-of-two join: completion needs both the request
	// and the playback to have finished.
	w.setStage(StagePlayingAudio)
	return w.awaitCond(ctx, func() bool { return w.requestCompleted && w.playbackCompleted })
}

// interruptPipeline is the single unwind path: cancel commands go out to the
// RPC and playback channels concurrently (both are safe to send even if the
// corresponding stage already finished), the mode returns to Sleeping, and
// the stage state is reset unconditionally by the caller.
func (w *Processing) interruptPipeline(reason string) {
	w.mu.Lock()
	sessionID := w.sessionID
	w.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := w.bus.Publish(eventbus.TopicGrpcRequestCancel, eventbus.CancelPayload{
			SessionID: sessionID,
			Reason:    reason,
			Source:    "processing_workflow",
		}); err != nil {
			w.logger.Error("failed to publish rpc cancel", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := w.bus.Publish(eventbus.TopicPlaybackCancelled, eventbus.CancelPayload{
			SessionID: sessionID,
			Reason:    reason,
			Source:    "processing_workflow",
		}); err != nil {
			w.logger.Error("failed to publish playback cancel", "error", err)
		}
	}()
	wg.Wait()

	w.modes.Request(mode.Sleeping, "pipeline interrupted: "+reason)
}
