package streaming

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"

	"google.golang.org/grpc"

	"github.com/ashureev/glance/internal/proto/assist"
	"github.com/ashureev/glance/internal/session"
)

const hwID = "hw_0123456789abcdef0123456789abcdef"

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context

	mu   sync.Mutex
	sent []*assist.StreamResponse
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx}
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) Send(m *assist.StreamResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeStream) messages() []*assist.StreamResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*assist.StreamResponse, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeWelcomeStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent []*assist.WelcomeResponse
}

func (f *fakeWelcomeStream) Context() context.Context { return f.ctx }

func (f *fakeWelcomeStream) Send(m *assist.WelcomeResponse) error {
	f.sent = append(f.sent, m)
	return nil
}

// funcGenerator adapts a closure into a TextGenerator for tests.
type funcGenerator struct {
	fn func(ctx context.Context, req GenRequest, interrupted func() bool) iter.Seq2[string, error]
}

func (g funcGenerator) Generate(ctx context.Context, req GenRequest, interrupted func() bool) iter.Seq2[string, error] {
	return g.fn(ctx, req, interrupted)
}

func newTestService(text TextGenerator) (*Service, *session.Registry) {
	registry := session.NewRegistry(session.DefaultTTL, nil)
	svc := NewService(registry, text, &ToneSynthesizer{}, DefaultConfig(), nil)
	return svc, registry
}

func TestStreamAudioInterleavesTextAndAudio(t *testing.T) {
	svc, registry := newTestService(&ScriptedGenerator{Reply: "hello there"})

	stream := newFakeStream(context.Background())
	req := &assist.StreamRequest{Prompt: "hi", HardwareID: hwID}
	if err := svc.StreamAudio(req, stream); err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}

	msgs := stream.messages()
	// Two words: text, audio, text, audio, end.
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	if got := msgs[0].GetTextChunk(); got != "hello " {
		t.Errorf("msg[0] text = %q", got)
	}
	if msgs[1].GetAudioChunk() == nil {
		t.Error("msg[1] is not audio")
	}
	if got := msgs[2].GetTextChunk(); got != "there " {
		t.Errorf("msg[2] text = %q", got)
	}
	if msgs[3].GetAudioChunk() == nil {
		t.Error("msg[3] is not audio")
	}
	if got := msgs[4].GetEndMessage(); got != "done" {
		t.Errorf("final message end reason = %q", got)
	}

	if n := registry.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount after stream = %d, want 0", n)
	}
}

func TestStreamAudioAudioChunksAreWellFormed(t *testing.T) {
	svc, _ := newTestService(&ScriptedGenerator{Reply: "ping"})

	stream := newFakeStream(context.Background())
	if err := svc.StreamAudio(&assist.StreamRequest{Prompt: "x", HardwareID: hwID}, stream); err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}

	for _, m := range stream.messages() {
		chunk := m.GetAudioChunk()
		if chunk == nil {
			continue
		}
		n, err := chunk.SampleCount()
		if err != nil {
			t.Fatalf("SampleCount: %v", err)
		}
		if n == 0 {
			t.Error("empty audio chunk emitted")
		}
		if chunk.Dtype != assist.DtypeInt16 {
			t.Errorf("Dtype = %q", chunk.Dtype)
		}
	}
}

func TestStreamAudioStopsOnInterrupt(t *testing.T) {
	var svc *Service
	gen := funcGenerator{fn: func(ctx context.Context, req GenRequest, interrupted func() bool) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if !yield("one ", nil) {
				return
			}
			// Interrupt lands between segments; the service must notice
			// before it emits the next one.
			svc.InterruptSession(context.Background(), &assist.InterruptRequest{HardwareID: hwID})
			yield("two ", nil)
		}
	}}
	var registry *session.Registry
	svc, registry = newTestService(gen)

	stream := newFakeStream(context.Background())
	if err := svc.StreamAudio(&assist.StreamRequest{Prompt: "x", HardwareID: hwID}, stream); err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}

	msgs := stream.messages()
	last := msgs[len(msgs)-1]
	if got := last.GetEndMessage(); got != "interrupted" {
		t.Fatalf("end reason = %q, want interrupted", got)
	}
	for _, m := range msgs {
		if m.GetTextChunk() == "two " {
			t.Error("segment after the interrupt was still emitted")
		}
	}

	// The interrupted session must be recorded as such, not reaped early.
	infos := registry.Snapshot()
	if len(infos) != 1 || infos[0].Status != session.StatusInterrupted {
		t.Errorf("Snapshot = %+v, want one interrupted session", infos)
	}
}

func TestStreamAudioReportsEngineError(t *testing.T) {
	gen := funcGenerator{fn: func(ctx context.Context, req GenRequest, interrupted func() bool) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if !yield("partial ", nil) {
				return
			}
			yield("", errors.New("backend unavailable"))
		}
	}}
	svc, _ := newTestService(gen)

	stream := newFakeStream(context.Background())
	if err := svc.StreamAudio(&assist.StreamRequest{Prompt: "x", HardwareID: hwID}, stream); err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}

	msgs := stream.messages()
	last := msgs[len(msgs)-1]
	if got := last.GetErrorMessage(); got != "backend unavailable" {
		t.Fatalf("last message = %+v, want error message", last)
	}
	for _, m := range msgs {
		if m.GetEndMessage() != "" {
			t.Error("error stream also carried an end message")
		}
	}
}

func TestInterruptSessionIdempotent(t *testing.T) {
	svc, _ := newTestService(&ScriptedGenerator{})

	resp, err := svc.InterruptSession(context.Background(), &assist.InterruptRequest{HardwareID: hwID})
	if err != nil {
		t.Fatalf("InterruptSession: %v", err)
	}
	if !resp.Success {
		t.Error("interrupt with nothing active reported failure")
	}
	if len(resp.InterruptedSessions) != 0 {
		t.Errorf("InterruptedSessions = %v, want empty", resp.InterruptedSessions)
	}

	again, err := svc.InterruptSession(context.Background(), &assist.InterruptRequest{HardwareID: hwID})
	if err != nil || !again.Success {
		t.Errorf("repeat interrupt: resp=%+v err=%v", again, err)
	}
}

func TestInterruptThenNewStreamRunsToCompletion(t *testing.T) {
	svc, _ := newTestService(&ScriptedGenerator{Reply: "fresh"})

	// An interrupt raised before the stream exists must not pre-discard it.
	if _, err := svc.InterruptSession(context.Background(), &assist.InterruptRequest{HardwareID: hwID}); err != nil {
		t.Fatalf("InterruptSession: %v", err)
	}

	stream := newFakeStream(context.Background())
	if err := svc.StreamAudio(&assist.StreamRequest{Prompt: "x", HardwareID: hwID}, stream); err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}

	msgs := stream.messages()
	last := msgs[len(msgs)-1]
	if got := last.GetEndMessage(); got != "done" {
		t.Errorf("end reason = %q, want done", got)
	}
}

func TestInterruptedStreamDoesNotPoisonLaterStreams(t *testing.T) {
	const otherHW = "hw_fedcba9876543210fedcba9876543210"

	var svc *Service
	var calls atomic.Int32
	gen := funcGenerator{fn: func(ctx context.Context, req GenRequest, interrupted func() bool) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if calls.Add(1) == 1 {
				if !yield("one ", nil) {
					return
				}
				svc.InterruptSession(context.Background(), &assist.InterruptRequest{HardwareID: hwID})
				yield("two ", nil)
				return
			}
			if !yield("alpha ", nil) {
				return
			}
			yield("beta ", nil)
		}
	}}
	svc, _ = newTestService(gen)

	first := newFakeStream(context.Background())
	if err := svc.StreamAudio(&assist.StreamRequest{Prompt: "x", HardwareID: hwID}, first); err != nil {
		t.Fatalf("first StreamAudio: %v", err)
	}
	msgs := first.messages()
	if got := msgs[len(msgs)-1].GetEndMessage(); got != "interrupted" {
		t.Fatalf("first stream end reason = %q, want interrupted", got)
	}

	// The interrupt above must stay scoped to the stream it hit: a new
	// stream for the same identity, and one for a different identity, both
	// run to completion with their chunks intact.
	for _, hw := range []string{hwID, otherHW} {
		stream := newFakeStream(context.Background())
		if err := svc.StreamAudio(&assist.StreamRequest{Prompt: "x", HardwareID: hw}, stream); err != nil {
			t.Fatalf("StreamAudio(%s): %v", hw, err)
		}
		var texts, audios int
		msgs := stream.messages()
		for _, m := range msgs {
			if m.GetTextChunk() != "" {
				texts++
			}
			if m.GetAudioChunk() != nil {
				audios++
			}
		}
		if texts == 0 || audios == 0 {
			t.Errorf("stream for %s discarded: %d text chunks, %d audio chunks", hw, texts, audios)
		}
		if got := msgs[len(msgs)-1].GetEndMessage(); got != "done" {
			t.Errorf("stream for %s end reason = %q, want done", hw, got)
		}
	}
}

func TestGenerateWelcomeAudio(t *testing.T) {
	svc, _ := newTestService(&ScriptedGenerator{})

	stream := &fakeWelcomeStream{ctx: context.Background()}
	req := &assist.WelcomeRequest{Text: "welcome back", HardwareID: hwID}
	if err := svc.GenerateWelcomeAudio(req, stream); err != nil {
		t.Fatalf("GenerateWelcomeAudio: %v", err)
	}

	if len(stream.sent) != 2 {
		t.Fatalf("got %d messages, want audio + end", len(stream.sent))
	}
	if stream.sent[0].GetAudioChunk() == nil {
		t.Error("first message is not audio")
	}
	if stream.sent[1].Payload == nil {
		t.Fatal("second message has no payload")
	}
	if _, ok := stream.sent[1].Payload.(*assist.EndMessage); !ok {
		t.Errorf("second message = %+v, want end", stream.sent[1].Payload)
	}
}
