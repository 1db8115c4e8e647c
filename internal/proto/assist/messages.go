// Package assist defines the wire contract between the glance client and
// server: message types, the protobuf codec, and the gRPC service surface.
// The messages mirror assist.proto field for field.
package assist

import (
	"errors"
	"fmt"
)

// Audio sample encodings carried by AudioChunk.Dtype.
const (
	DtypeInt16   = "int16"
	DtypeFloat32 = "float32"
	DtypeFloat64 = "float64"
)

var ErrBadChunk = errors.New("malformed audio chunk")

// DtypeSize returns the per-sample byte width for a dtype, or 0 if unknown.
func DtypeSize(dtype string) int {
	switch dtype {
	case DtypeInt16:
		return 2
	case DtypeFloat32:
		return 4
	case DtypeFloat64:
		return 8
	default:
		return 0
	}
}

// StreamRequest asks the server to generate an interleaved text/audio reply
// for a prompt, optionally grounded on a screenshot.
type StreamRequest struct {
	Prompt       string
	Screenshot   []byte
	ScreenWidth  int32
	ScreenHeight int32
	HardwareID   string
}

// AudioChunk is one slab of PCM samples derived from a text segment.
type AudioChunk struct {
	AudioData []byte
	Dtype     string
	Shape     []int32
}

// SampleCount validates the chunk's self-description and returns the number
// of samples it carries. A chunk whose shape does not account for its byte
// length is a protocol error and must abort only the current session.
func (c *AudioChunk) SampleCount() (int, error) {
	size := DtypeSize(c.Dtype)
	if size == 0 {
		return 0, fmt.Errorf("%w: unknown dtype %q", ErrBadChunk, c.Dtype)
	}
	n := 1
	for _, dim := range c.Shape {
		if dim < 0 {
			return 0, fmt.Errorf("%w: negative shape dimension %d", ErrBadChunk, dim)
		}
		n *= int(dim)
	}
	if len(c.Shape) == 0 {
		n = 0
	}
	if n*size != len(c.AudioData) {
		return 0, fmt.Errorf("%w: shape %v x %s = %d bytes, have %d",
			ErrBadChunk, c.Shape, c.Dtype, n*size, len(c.AudioData))
	}
	return n, nil
}

// StreamResponsePayload is the closed set of StreamResponse variants.
// Exactly one variant is populated per message.
type StreamResponsePayload interface {
	isStreamResponsePayload()
}

type TextChunk struct {
	Text string
}

type AudioPayload struct {
	Chunk *AudioChunk
}

type EndMessage struct {
	Reason string
}

type ErrorMessage struct {
	Text string
}

func (*TextChunk) isStreamResponsePayload()    {}
func (*AudioPayload) isStreamResponsePayload() {}
func (*EndMessage) isStreamResponsePayload()   {}
func (*ErrorMessage) isStreamResponsePayload() {}

// StreamResponse is one message of the generation stream.
type StreamResponse struct {
	Payload StreamResponsePayload
}

// GetTextChunk returns the text variant, or "" when another variant is set.
func (r *StreamResponse) GetTextChunk() string {
	if p, ok := r.Payload.(*TextChunk); ok {
		return p.Text
	}
	return ""
}

// GetAudioChunk returns the audio variant, or nil when another variant is set.
func (r *StreamResponse) GetAudioChunk() *AudioChunk {
	if p, ok := r.Payload.(*AudioPayload); ok {
		return p.Chunk
	}
	return nil
}

// GetEndMessage returns the end variant, or "" when another variant is set.
func (r *StreamResponse) GetEndMessage() string {
	if p, ok := r.Payload.(*EndMessage); ok {
		return p.Reason
	}
	return ""
}

// GetErrorMessage returns the error variant, or "" when another variant is set.
func (r *StreamResponse) GetErrorMessage() string {
	if p, ok := r.Payload.(*ErrorMessage); ok {
		return p.Text
	}
	return ""
}

// IsEnd reports whether the message terminates the stream (end or error).
func (r *StreamResponse) IsEnd() bool {
	switch r.Payload.(type) {
	case *EndMessage, *ErrorMessage:
		return true
	default:
		return false
	}
}

// InterruptRequest asks the server to stop every in-flight generation for a
// hardware identity.
type InterruptRequest struct {
	HardwareID string
}

// InterruptResponse reports which sessions the interrupt reached. Success is
// true even when no session was active; an interrupt with nothing to stop is
// a valid no-op, not an error.
type InterruptResponse struct {
	Success             bool
	InterruptedSessions []string
	Message             string
}

// WelcomeRequest asks the server to synthesize greeting audio.
type WelcomeRequest struct {
	Text       string
	HardwareID string
}

// WelcomeResponsePayload is the closed set of WelcomeResponse variants.
type WelcomeResponsePayload interface {
	isWelcomeResponsePayload()
}

func (*AudioPayload) isWelcomeResponsePayload() {}
func (*EndMessage) isWelcomeResponsePayload()   {}
func (*ErrorMessage) isWelcomeResponsePayload() {}

// WelcomeResponse is one message of the welcome-audio stream.
type WelcomeResponse struct {
	Payload WelcomeResponsePayload
}

// GetAudioChunk returns the audio variant, or nil when another variant is set.
func (r *WelcomeResponse) GetAudioChunk() *AudioChunk {
	if p, ok := r.Payload.(*AudioPayload); ok {
		return p.Chunk
	}
	return nil
}

// GetErrorMessage returns the error variant, or "" when another variant is set.
func (r *WelcomeResponse) GetErrorMessage() string {
	if p, ok := r.Payload.(*ErrorMessage); ok {
		return p.Text
	}
	return ""
}
