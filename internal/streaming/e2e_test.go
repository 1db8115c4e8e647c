package streaming_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/ashureev/glance/internal/conn"
	"github.com/ashureev/glance/internal/proto/assist"
	"github.com/ashureev/glance/internal/session"
	"github.com/ashureev/glance/internal/streaming"
)

const hwID = "hw_0123456789abcdef0123456789abcdef"

// startServer runs the real service on a loopback listener and returns its
// address.
func startServer(t *testing.T) string {
	t.Helper()

	registry := session.NewRegistry(session.DefaultTTL, nil)
	svc := streaming.NewService(registry,
		&streaming.ScriptedGenerator{Reply: "Hi"},
		&streaming.ToneSynthesizer{},
		streaming.DefaultConfig(), nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := grpc.NewServer(grpc.ForceServerCodec(assist.Codec{}))
	assist.RegisterAssistServiceServer(srv, svc)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return lis.Addr().String()
}

func dial(t *testing.T, addr string) *conn.Manager {
	t.Helper()

	backoff, err := conn.NewBackoff(conn.StrategyNone, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	m, err := conn.NewManager(conn.Config{
		Servers:        map[string]string{"default": addr},
		DefaultServer:  "default",
		ConnectTimeout: 5 * time.Second,
		Backoff:        backoff,
		MaxAttempts:    2,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Disconnect)
	return m
}

func collect(t *testing.T, stream assist.AssistService_StreamAudioClient) []*assist.StreamResponse {
	t.Helper()
	var out []*assist.StreamResponse
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		out = append(out, resp)
	}
}

func TestStreamAudioOverRealChannel(t *testing.T) {
	addr := startServer(t)
	m := dial(t, addr)

	client, err := m.Client()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.StreamAudio(ctx, &assist.StreamRequest{
		Prompt:       "hello",
		Screenshot:   []byte{1, 2, 3},
		ScreenWidth:  640,
		ScreenHeight: 480,
		HardwareID:   hwID,
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := collect(t, stream)
	// One word: text, audio, end.
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if got := msgs[0].GetTextChunk(); got != "Hi " {
		t.Errorf("text = %q", got)
	}

	chunk := msgs[1].GetAudioChunk()
	if chunk == nil {
		t.Fatal("second message is not audio")
	}
	// The chunk must survive the wire byte for byte.
	n, err := chunk.SampleCount()
	if err != nil {
		t.Fatalf("SampleCount after transport: %v", err)
	}
	if n == 0 || len(chunk.AudioData) != n*2 {
		t.Errorf("chunk: %d samples, %d bytes", n, len(chunk.AudioData))
	}
	if chunk.Dtype != assist.DtypeInt16 {
		t.Errorf("Dtype = %q", chunk.Dtype)
	}

	if got := msgs[2].GetEndMessage(); got != "done" {
		t.Errorf("end reason = %q", got)
	}
}

func TestInterruptSessionOverRealChannel(t *testing.T) {
	addr := startServer(t)
	m := dial(t, addr)

	client, err := m.Client()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Double interrupt with nothing active: both succeed.
	for i := 0; i < 2; i++ {
		resp, err := client.InterruptSession(ctx, &assist.InterruptRequest{HardwareID: hwID})
		if err != nil {
			t.Fatalf("InterruptSession #%d: %v", i+1, err)
		}
		if !resp.Success {
			t.Errorf("interrupt #%d reported failure", i+1)
		}
		if len(resp.InterruptedSessions) != 0 {
			t.Errorf("interrupt #%d sessions = %v", i+1, resp.InterruptedSessions)
		}
	}

	// A stream opened after the interrupts runs to completion.
	stream, err := client.StreamAudio(ctx, &assist.StreamRequest{Prompt: "again", HardwareID: hwID})
	if err != nil {
		t.Fatal(err)
	}
	msgs := collect(t, stream)
	if len(msgs) == 0 {
		t.Fatal("no messages")
	}
	if got := msgs[len(msgs)-1].GetEndMessage(); got != "done" {
		t.Errorf("end reason = %q, want done", got)
	}
}

func TestGenerateWelcomeAudioOverRealChannel(t *testing.T) {
	addr := startServer(t)
	m := dial(t, addr)

	client, err := m.Client()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.GenerateWelcomeAudio(ctx, &assist.WelcomeRequest{
		Text:       "welcome back",
		HardwareID: hwID,
	})
	if err != nil {
		t.Fatal(err)
	}

	var sawAudio bool
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if resp.GetAudioChunk() != nil {
			sawAudio = true
		}
	}
	if !sawAudio {
		t.Error("welcome stream carried no audio")
	}
}
