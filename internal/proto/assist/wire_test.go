package assist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func roundtrip(t *testing.T, in, out wireMessage) {
	t.Helper()
	data, err := in.marshalWire(nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := out.unmarshalWire(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func TestStreamRequestRoundtrip(t *testing.T) {
	in := &StreamRequest{
		Prompt:       "what's on screen",
		Screenshot:   []byte{0x89, 'P', 'N', 'G'},
		ScreenWidth:  1920,
		ScreenHeight: 1080,
		HardwareID:   "hw_0123456789abcdef0123456789abcdef",
	}
	var out StreamRequest
	roundtrip(t, in, &out)

	if out.Prompt != in.Prompt {
		t.Errorf("Prompt = %q, want %q", out.Prompt, in.Prompt)
	}
	if !bytes.Equal(out.Screenshot, in.Screenshot) {
		t.Errorf("Screenshot = %v, want %v", out.Screenshot, in.Screenshot)
	}
	if out.ScreenWidth != in.ScreenWidth || out.ScreenHeight != in.ScreenHeight {
		t.Errorf("dimensions = %dx%d, want %dx%d",
			out.ScreenWidth, out.ScreenHeight, in.ScreenWidth, in.ScreenHeight)
	}
	if out.HardwareID != in.HardwareID {
		t.Errorf("HardwareID = %q, want %q", out.HardwareID, in.HardwareID)
	}
}

func TestStreamRequestEmpty(t *testing.T) {
	var out StreamRequest
	roundtrip(t, &StreamRequest{}, &out)
	if out.Prompt != "" || out.Screenshot != nil || out.HardwareID != "" {
		t.Errorf("empty request decoded to %+v", out)
	}
}

func TestAudioChunkRoundtrip(t *testing.T) {
	samples := []int16{0, 12000, -12000, 32767}
	data := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	in := &AudioChunk{AudioData: data, Dtype: DtypeInt16, Shape: []int32{4}}

	var out AudioChunk
	roundtrip(t, in, &out)

	if !bytes.Equal(out.AudioData, in.AudioData) {
		t.Errorf("AudioData = %v, want %v", out.AudioData, in.AudioData)
	}
	if out.Dtype != DtypeInt16 {
		t.Errorf("Dtype = %q, want %q", out.Dtype, DtypeInt16)
	}
	if len(out.Shape) != 1 || out.Shape[0] != 4 {
		t.Errorf("Shape = %v, want [4]", out.Shape)
	}

	n, err := out.SampleCount()
	if err != nil {
		t.Fatalf("SampleCount: %v", err)
	}
	if n != 4 {
		t.Errorf("SampleCount = %d, want 4", n)
	}
}

func TestAudioChunkShapeMismatch(t *testing.T) {
	chunk := &AudioChunk{AudioData: make([]byte, 6), Dtype: DtypeInt16, Shape: []int32{4}}
	if _, err := chunk.SampleCount(); !errors.Is(err, ErrBadChunk) {
		t.Errorf("SampleCount error = %v, want ErrBadChunk", err)
	}

	chunk = &AudioChunk{AudioData: make([]byte, 8), Dtype: "int13", Shape: []int32{4}}
	if _, err := chunk.SampleCount(); !errors.Is(err, ErrBadChunk) {
		t.Errorf("unknown dtype error = %v, want ErrBadChunk", err)
	}
}

func TestStreamResponseVariants(t *testing.T) {
	cases := []struct {
		name    string
		payload StreamResponsePayload
		check   func(t *testing.T, r *StreamResponse)
	}{
		{
			name:    "text",
			payload: &TextChunk{Text: "hello "},
			check: func(t *testing.T, r *StreamResponse) {
				if got := r.GetTextChunk(); got != "hello " {
					t.Errorf("GetTextChunk = %q", got)
				}
				if r.IsEnd() {
					t.Error("text chunk reported as end")
				}
			},
		},
		{
			name: "audio",
			payload: &AudioPayload{Chunk: &AudioChunk{
				AudioData: []byte{1, 0, 2, 0},
				Dtype:     DtypeInt16,
				Shape:     []int32{2},
			}},
			check: func(t *testing.T, r *StreamResponse) {
				chunk := r.GetAudioChunk()
				if chunk == nil {
					t.Fatal("GetAudioChunk = nil")
				}
				if !bytes.Equal(chunk.AudioData, []byte{1, 0, 2, 0}) {
					t.Errorf("AudioData = %v", chunk.AudioData)
				}
			},
		},
		{
			name:    "end",
			payload: &EndMessage{Reason: "done"},
			check: func(t *testing.T, r *StreamResponse) {
				if got := r.GetEndMessage(); got != "done" {
					t.Errorf("GetEndMessage = %q", got)
				}
				if !r.IsEnd() {
					t.Error("end message not reported as end")
				}
			},
		},
		{
			name:    "error",
			payload: &ErrorMessage{Text: "engine failed"},
			check: func(t *testing.T, r *StreamResponse) {
				if got := r.GetErrorMessage(); got != "engine failed" {
					t.Errorf("GetErrorMessage = %q", got)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out StreamResponse
			roundtrip(t, &StreamResponse{Payload: tc.payload}, &out)
			tc.check(t, &out)
		})
	}
}

func TestInterruptRoundtrip(t *testing.T) {
	var req InterruptRequest
	roundtrip(t, &InterruptRequest{HardwareID: "hw_x"}, &req)
	if req.HardwareID != "hw_x" {
		t.Errorf("HardwareID = %q", req.HardwareID)
	}

	in := &InterruptResponse{
		Success:             true,
		InterruptedSessions: []string{"s1", "s2"},
		Message:             "interrupted",
	}
	var out InterruptResponse
	roundtrip(t, in, &out)
	if !out.Success {
		t.Error("Success lost in roundtrip")
	}
	if len(out.InterruptedSessions) != 2 || out.InterruptedSessions[0] != "s1" || out.InterruptedSessions[1] != "s2" {
		t.Errorf("InterruptedSessions = %v", out.InterruptedSessions)
	}
	if out.Message != "interrupted" {
		t.Errorf("Message = %q", out.Message)
	}
}

func TestWelcomeRoundtrip(t *testing.T) {
	var req WelcomeRequest
	roundtrip(t, &WelcomeRequest{Text: "hello there", HardwareID: "hw_y"}, &req)
	if req.Text != "hello there" || req.HardwareID != "hw_y" {
		t.Errorf("WelcomeRequest = %+v", req)
	}

	in := &WelcomeResponse{Payload: &AudioPayload{Chunk: &AudioChunk{
		AudioData: []byte{9, 9},
		Dtype:     DtypeInt16,
		Shape:     []int32{1},
	}}}
	var out WelcomeResponse
	roundtrip(t, in, &out)
	if out.GetAudioChunk() == nil {
		t.Fatal("welcome audio lost in roundtrip")
	}
}

func TestCodec(t *testing.T) {
	codec := Codec{}
	if codec.Name() != "proto" {
		t.Errorf("Name = %q, want proto", codec.Name())
	}

	data, err := codec.Marshal(&StreamRequest{Prompt: "p"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out StreamRequest
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Prompt != "p" {
		t.Errorf("Prompt = %q", out.Prompt)
	}

	if _, err := codec.Marshal("not a message"); err == nil {
		t.Error("Marshal accepted a non-message value")
	}
	if err := codec.Unmarshal(data, "not a message"); err == nil {
		t.Error("Unmarshal accepted a non-message value")
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	in := &StreamRequest{Prompt: "truncate me", HardwareID: "hw_z"}
	data, err := in.marshalWire(nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out StreamRequest
	if err := out.unmarshalWire(data[:len(data)-3]); err == nil {
		t.Error("unmarshal accepted truncated input")
	}
}
