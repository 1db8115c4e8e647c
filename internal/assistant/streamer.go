// Package assistant bridges the event bus to the assist RPC service. It is
// the collaborator that actually runs the stream: the workflows only ever
// see its grpc.* and playback.chunk events.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ashureev/glance/internal/conn"
	"github.com/ashureev/glance/internal/eventbus"
	"github.com/ashureev/glance/internal/proto/assist"
)

// PromptSource supplies the prompt text for a pipeline session. It is the
// boundary to the transcription collaborator.
type PromptSource func(ctx context.Context, sessionID string) (string, error)

// Config for the streamer.
type Config struct {
	HardwareID   string
	ScreenWidth  int32
	ScreenHeight int32
}

// Streamer reacts to screenshot events by running a StreamAudio call and
// republishing its progress on the bus.
type Streamer struct {
	bus     *eventbus.Bus
	manager *conn.Manager
	prompts PromptSource
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // sessionID -> cancel
	unsubs   []func()
}

// NewStreamer creates the bridge; Start wires it to the bus.
func NewStreamer(bus *eventbus.Bus, manager *conn.Manager, prompts PromptSource, cfg Config, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		bus:      bus,
		manager:  manager,
		prompts:  prompts,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Start subscribes to the capture and cancel topics.
func (s *Streamer) Start(ctx context.Context) {
	s.unsubs = append(s.unsubs,
		s.bus.Subscribe(eventbus.TopicScreenshotCaptured, "streamer", eventbus.PriorityNormal, eventbus.Scheduled, func(ev eventbus.Event) {
			payload := ev.Payload.(eventbus.ScreenshotCapturedPayload)
			s.run(ctx, payload.SessionID, payload.Path)
		}),
		s.bus.Subscribe(eventbus.TopicScreenshotError, "streamer", eventbus.PriorityNormal, eventbus.Scheduled, func(ev eventbus.Event) {
			// Graceful degradation: proceed without an image.
			payload := ev.Payload.(eventbus.ScreenshotErrorPayload)
			s.run(ctx, payload.SessionID, "")
		}),
		s.bus.Subscribe(eventbus.TopicGrpcRequestCancel, "streamer", eventbus.PriorityHigh, eventbus.Inline, func(ev eventbus.Event) {
			payload := ev.Payload.(eventbus.CancelPayload)
			s.cancelSession(payload.SessionID, payload.Reason)
		}),
	)
}

// Stop unsubscribes and cancels any in-flight call.
func (s *Streamer) Stop() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for _, cancel := range s.inflight {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Streamer) trackSession(sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[sessionID] = cancel
}

func (s *Streamer) untrackSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, sessionID)
}

// cancelSession cancels the in-flight call context and tells the server to
// drop every generation for this hardware identity. Both are safe when the
// call already finished.
func (s *Streamer) cancelSession(sessionID, reason string) {
	s.mu.Lock()
	cancel, ok := s.inflight[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}

	go func() {
		client, err := s.manager.Client()
		if err != nil {
			return
		}
		ctx, cancelRPC := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelRPC()
		resp, err := client.InterruptSession(ctx, &assist.InterruptRequest{HardwareID: s.cfg.HardwareID})
		if err != nil {
			s.logger.Warn("interrupt rpc failed", "error", err)
			return
		}
		s.logger.Info("server interrupted",
			"reason", reason,
			"interrupted_sessions", len(resp.InterruptedSessions))
	}()
}

func (s *Streamer) publishRequestEvent(topic eventbus.Topic, sessionID, errText string) {
	if err := s.bus.Publish(topic, eventbus.GrpcRequestPayload{SessionID: sessionID, Error: errText}); err != nil {
		s.logger.Error("failed to publish request event", "topic", string(topic), "error", err)
	}
}

func (s *Streamer) run(parent context.Context, sessionID, screenshotPath string) {
	prompt := ""
	if s.prompts != nil {
		p, err := s.prompts(parent, sessionID)
		if err != nil {
			s.logger.Warn("prompt source failed", "session_id", sessionID, "error", err)
		} else {
			prompt = p
		}
	}

	var screenshot []byte
	if screenshotPath != "" {
		data, err := os.ReadFile(screenshotPath)
		if err != nil {
			s.logger.Warn("failed to read screenshot, sending without image",
				"path", screenshotPath, "error", err)
		} else {
			screenshot = data
		}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.trackSession(sessionID, cancel)
	defer s.untrackSession(sessionID)

	req := &assist.StreamRequest{
		Prompt:       prompt,
		Screenshot:   screenshot,
		ScreenWidth:  s.cfg.ScreenWidth,
		ScreenHeight: s.cfg.ScreenHeight,
		HardwareID:   s.cfg.HardwareID,
	}

	s.publishRequestEvent(eventbus.TopicGrpcRequestStarted, sessionID, "")

	var started bool
	err := s.manager.ExecuteWithRetry(ctx, func(ctx context.Context, client assist.AssistServiceClient) error {
		stream, err := client.StreamAudio(ctx, req)
		if err != nil {
			return fmt.Errorf("start stream: %w", err)
		}
		streamErr := s.consume(stream, sessionID, &started)
		if streamErr != nil && started {
			// Chunks already reached playback; replaying the call would
			// duplicate them. Surface the failure instead of retrying.
			s.publishRequestEvent(eventbus.TopicGrpcRequestFailed, sessionID, streamErr.Error())
			return nil
		}
		return streamErr
	})

	switch {
	case err == nil && started:
		// Terminal event already published by consume.
	case err == nil:
		s.publishRequestEvent(eventbus.TopicGrpcRequestCompleted, sessionID, "")
	case status.Code(err) == codes.Canceled, errors.Is(err, context.Canceled):
		// Expected outcome of an interrupt, informational only.
		s.logger.Info("stream cancelled", "session_id", sessionID)
		s.publishRequestEvent(eventbus.TopicGrpcRequestCompleted, sessionID, "")
	default:
		s.publishRequestEvent(eventbus.TopicGrpcRequestFailed, sessionID, err.Error())
	}
}

// consume drains the stream, forwarding audio to the playback adapter. Any
// non-error termination (clean return, end_message, EOF) publishes
// grpc.request_completed so the processing join cannot stall on a stream
// that ended with end_message but no transport close.
func (s *Streamer) consume(stream assist.AssistService_StreamAudioClient, sessionID string, started *bool) error {
	finish := func() {
		s.publishChunkEnd(sessionID)
		s.publishRequestEvent(eventbus.TopicGrpcRequestCompleted, sessionID, "")
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if *started {
				finish()
			}
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.Canceled {
				if *started {
					finish()
				}
				return nil
			}
			return fmt.Errorf("stream recv: %w", err)
		}
		*started = true

		switch payload := resp.Payload.(type) {
		case *assist.TextChunk:
			s.logger.Debug("text chunk", "session_id", sessionID, "len", len(payload.Text))
		case *assist.AudioPayload:
			if err := s.bus.Publish(eventbus.TopicPlaybackChunk, eventbus.PlaybackChunkPayload{
				SessionID: sessionID,
				AudioData: payload.Chunk.AudioData,
				Dtype:     payload.Chunk.Dtype,
				Shape:     payload.Chunk.Shape,
			}); err != nil {
				s.logger.Error("failed to forward audio chunk", "error", err)
			}
		case *assist.EndMessage:
			s.logger.Info("stream ended", "session_id", sessionID, "reason", payload.Reason)
			finish()
			return nil
		case *assist.ErrorMessage:
			s.publishChunkEnd(sessionID)
			return errors.New("server error: " + payload.Text)
		default:
			return fmt.Errorf("unexpected stream payload %T", payload)
		}
	}
}

func (s *Streamer) publishChunkEnd(sessionID string) {
	if err := s.bus.Publish(eventbus.TopicPlaybackChunk, eventbus.PlaybackChunkPayload{
		SessionID:   sessionID,
		EndOfStream: true,
	}); err != nil {
		s.logger.Error("failed to publish end-of-stream", "error", err)
	}
}
