package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/glance/internal/proto/assist"
	"github.com/ashureev/glance/internal/session"
)

// Config tunes the streaming service.
type Config struct {
	// MaxCallDuration forcibly terminates runaway generations, independent
	// of any interrupt.
	MaxCallDuration time.Duration
	// ActivityInterval is how often a long generation refreshes its
	// session so the TTL sweep does not reap a live call.
	ActivityInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxCallDuration:  120 * time.Second,
		ActivityInterval: 5 * time.Second,
	}
}

// Service implements assist.AssistServiceServer on top of the session
// registry and the two generation engines.
type Service struct {
	registry *session.Registry
	text     TextGenerator
	tts      SpeechSynthesizer
	cfg      Config
	logger   *slog.Logger

	mu    sync.Mutex
	calls map[string]map[string]context.CancelFunc // hardwareID -> sessionID -> cancel
}

// NewService creates the streaming service.
func NewService(registry *session.Registry, text TextGenerator, tts SpeechSynthesizer, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = DefaultConfig().MaxCallDuration
	}
	if cfg.ActivityInterval <= 0 {
		cfg.ActivityInterval = DefaultConfig().ActivityInterval
	}
	return &Service{
		registry: registry,
		text:     text,
		tts:      tts,
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *Service) trackCall(hardwareID, sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]map[string]context.CancelFunc)
	}
	if _, ok := s.calls[hardwareID]; !ok {
		s.calls[hardwareID] = make(map[string]context.CancelFunc)
	}
	s.calls[hardwareID][sessionID] = cancel
}

func (s *Service) untrackCall(hardwareID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if calls, ok := s.calls[hardwareID]; ok {
		delete(calls, sessionID)
		if len(calls) == 0 {
			delete(s.calls, hardwareID)
		}
	}
}

// cancelCalls cancels the contexts of every tracked call for the one
// identity. Cancellation stays scoped to that identity's calls: the engines
// are shared across identities, so they are never stopped wholesale here.
// This unwinds faster than waiting for the loop's next interrupt poll.
func (s *Service) cancelCalls(hardwareID string) {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.calls[hardwareID]))
	for _, cancel := range s.calls[hardwareID] {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// StreamAudio turns a prompt (plus optional screenshot) into an ordered
// stream of text and audio chunks ending in exactly one end or error message.
func (s *Service) StreamAudio(req *assist.StreamRequest, stream assist.AssistService_StreamAudioServer) error {
	sess := s.registry.Register(req.HardwareID)

	ctx, cancel := context.WithTimeout(stream.Context(), s.cfg.MaxCallDuration)
	defer cancel()

	s.trackCall(req.HardwareID, sess.ID, cancel)
	defer s.untrackCall(req.HardwareID, sess.ID)

	interrupted := func() bool { return s.registry.SessionInterrupted(sess.ID) }

	s.logger.Info("stream started",
		"session_id", sess.ID,
		"hardware_id", req.HardwareID,
		"prompt_len", len(req.Prompt),
		"screenshot_bytes", len(req.Screenshot))

	outcome, err := s.generate(ctx, req, sess.ID, interrupted, stream)
	s.registry.Complete(sess.ID, outcome)
	s.logger.Info("stream finished", "session_id", sess.ID, "outcome", string(outcome))
	return err
}

func (s *Service) generate(
	ctx context.Context,
	req *assist.StreamRequest,
	sessionID string,
	interrupted func() bool,
	stream assist.AssistService_StreamAudioServer,
) (session.Status, error) {
	genReq := GenRequest{
		Prompt:       req.Prompt,
		Screenshot:   req.Screenshot,
		ScreenWidth:  req.ScreenWidth,
		ScreenHeight: req.ScreenHeight,
	}

	lastTouch := time.Now()
	touch := func() {
		if time.Since(lastTouch) >= s.cfg.ActivityInterval {
			s.registry.Touch(sessionID)
			lastTouch = time.Now()
		}
	}

	for segment, err := range s.text.Generate(ctx, genReq, interrupted) {
		if err != nil {
			s.logger.Error("text generation failed", "session_id", sessionID, "error", err)
			sendErr := stream.Send(&assist.StreamResponse{Payload: &assist.ErrorMessage{Text: err.Error()}})
			return session.StatusDone, sendErr
		}

		// Interrupt is checked before emitting each text segment and again
		// before deriving its audio; the loop stops the instant it is set.
		if interrupted() || ctx.Err() != nil {
			return s.finishInterrupted(ctx, sessionID, stream)
		}
		if err := stream.Send(&assist.StreamResponse{Payload: &assist.TextChunk{Text: segment}}); err != nil {
			return session.StatusDone, err
		}
		touch()

		if interrupted() || ctx.Err() != nil {
			return s.finishInterrupted(ctx, sessionID, stream)
		}
		chunk, err := s.tts.Synthesize(ctx, segment, interrupted)
		if err != nil {
			s.logger.Error("synthesis failed", "session_id", sessionID, "error", err)
			sendErr := stream.Send(&assist.StreamResponse{Payload: &assist.ErrorMessage{Text: err.Error()}})
			return session.StatusDone, sendErr
		}
		if chunk != nil {
			if err := stream.Send(&assist.StreamResponse{Payload: &assist.AudioPayload{Chunk: chunk}}); err != nil {
				return session.StatusDone, err
			}
			touch()
		}
	}

	if interrupted() || ctx.Err() != nil {
		return s.finishInterrupted(ctx, sessionID, stream)
	}
	err := stream.Send(&assist.StreamResponse{Payload: &assist.EndMessage{Reason: "done"}})
	return session.StatusDone, err
}

func (s *Service) finishInterrupted(ctx context.Context, sessionID string, stream assist.AssistService_StreamAudioServer) (session.Status, error) {
	reason := "interrupted"
	if ctx.Err() == context.DeadlineExceeded {
		reason = "deadline"
	}
	// Best effort: the client may already be gone.
	_ = stream.Send(&assist.StreamResponse{Payload: &assist.EndMessage{Reason: reason}})
	return session.StatusInterrupted, nil
}

// InterruptSession stops every in-flight generation for the hardware
// identity. Idempotent: with nothing active it still succeeds with an empty
// session list.
func (s *Service) InterruptSession(ctx context.Context, req *assist.InterruptRequest) (*assist.InterruptResponse, error) {
	ids := s.registry.Interrupt(req.HardwareID, "client interrupt")
	s.cancelCalls(req.HardwareID)

	msg := "no active sessions"
	if len(ids) > 0 {
		msg = "interrupted"
	}
	return &assist.InterruptResponse{
		Success:             true,
		InterruptedSessions: ids,
		Message:             msg,
	}, nil
}

// GenerateWelcomeAudio synthesizes greeting audio for the welcome-message
// collaborator. The text is used as-is; no text chunks are emitted.
func (s *Service) GenerateWelcomeAudio(req *assist.WelcomeRequest, stream assist.AssistService_GenerateWelcomeAudioServer) error {
	sess := s.registry.Register(req.HardwareID)

	ctx, cancel := context.WithTimeout(stream.Context(), s.cfg.MaxCallDuration)
	defer cancel()
	s.trackCall(req.HardwareID, sess.ID, cancel)
	defer s.untrackCall(req.HardwareID, sess.ID)

	interrupted := func() bool { return s.registry.SessionInterrupted(sess.ID) }

	chunk, err := s.tts.Synthesize(ctx, req.Text, interrupted)
	if err != nil {
		s.registry.Complete(sess.ID, session.StatusDone)
		return stream.Send(&assist.WelcomeResponse{Payload: &assist.ErrorMessage{Text: err.Error()}})
	}
	if chunk != nil {
		if err := stream.Send(&assist.WelcomeResponse{Payload: &assist.AudioPayload{Chunk: chunk}}); err != nil {
			s.registry.Complete(sess.ID, session.StatusDone)
			return err
		}
	}
	s.registry.Complete(sess.ID, session.StatusDone)
	return stream.Send(&assist.WelcomeResponse{Payload: &assist.EndMessage{Reason: "done"}})
}
