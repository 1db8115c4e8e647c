// Package eventbus is the typed publish/subscribe dispatcher connecting the
// workflow core to its collaborators (input, capture, RPC, playback). Topics
// form a closed protocol: each topic name is bound to one payload type,
// checked at publish time.
package eventbus

import (
	"time"
)

// Topic names the channel an event is published on.
type Topic string

// The topic taxonomy. Collaborators depend only on these names and payload
// shapes, never on each other's internals.
const (
	TopicModeChanged Topic = "app.mode_changed"

	TopicKeyboardShortPress Topic = "keyboard.short_press"
	TopicKeyboardLongPress  Topic = "keyboard.long_press"
	TopicKeyboardRelease    Topic = "keyboard.release"

	TopicScreenshotCaptured Topic = "screenshot.captured"
	TopicScreenshotError    Topic = "screenshot.error"

	TopicGrpcRequestStarted   Topic = "grpc.request_started"
	TopicGrpcRequestCompleted Topic = "grpc.request_completed"
	TopicGrpcRequestFailed    Topic = "grpc.request_failed"
	TopicGrpcRequestCancel    Topic = "grpc.request_cancel"

	TopicPlaybackStarted   Topic = "playback.started"
	TopicPlaybackCompleted Topic = "playback.completed"
	TopicPlaybackFailed    Topic = "playback.failed"
	TopicPlaybackCancelled Topic = "playback.cancelled"
	TopicPlaybackChunk     Topic = "playback.chunk"

	TopicInterruptRequest Topic = "interrupt.request"

	TopicRecordingStart Topic = "voice.recording_start"
	TopicRecordingStop  Topic = "voice.recording_stop"
	TopicVoiceActivity  Topic = "voice.activity"
)

// ModeChangedPayload announces a pipeline mode transition.
type ModeChangedPayload struct {
	Mode     string `json:"mode"`
	Previous string `json:"previous"`
	Reason   string `json:"reason,omitempty"`
}

// KeyboardPayload accompanies key press/release topics.
type KeyboardPayload struct {
	SessionID string `json:"session_id,omitempty"`
}

// ScreenshotCapturedPayload reports a successful capture.
type ScreenshotCapturedPayload struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// ScreenshotErrorPayload reports a failed capture. The pipeline degrades
// gracefully: it proceeds without an image.
type ScreenshotErrorPayload struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// GrpcRequestPayload accompanies grpc.request_started/completed/failed.
type GrpcRequestPayload struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

// CancelPayload accompanies grpc.request_cancel and playback.cancelled.
type CancelPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason"`
	Source    string `json:"source,omitempty"`
}

// PlaybackPayload accompanies playback.started/completed/failed.
type PlaybackPayload struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

// PlaybackChunkPayload delivers one audio chunk to the playback adapter.
// EndOfStream marks the final (empty) frame of a session.
type PlaybackChunkPayload struct {
	SessionID   string  `json:"session_id"`
	AudioData   []byte  `json:"-"`
	Dtype       string  `json:"dtype,omitempty"`
	Shape       []int32 `json:"shape,omitempty"`
	EndOfStream bool    `json:"end_of_stream,omitempty"`
}

// InterruptPayload accompanies interrupt.request.
type InterruptPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason"`
	Scope     string `json:"scope,omitempty"` // "global" or "session"
}

// RecordingPayload accompanies voice.recording_start/recording_stop.
type RecordingPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// VoiceActivityPayload refreshes the listening workflow's activity clock.
type VoiceActivityPayload struct {
	SessionID string  `json:"session_id"`
	Level     float64 `json:"level"`
}

// payloadTypes binds each topic to its payload type. Publish rejects any
// payload whose dynamic type does not match.
var payloadTypes = map[Topic]any{
	TopicModeChanged:          ModeChangedPayload{},
	TopicKeyboardShortPress:   KeyboardPayload{},
	TopicKeyboardLongPress:    KeyboardPayload{},
	TopicKeyboardRelease:      KeyboardPayload{},
	TopicScreenshotCaptured:   ScreenshotCapturedPayload{},
	TopicScreenshotError:      ScreenshotErrorPayload{},
	TopicGrpcRequestStarted:   GrpcRequestPayload{},
	TopicGrpcRequestCompleted: GrpcRequestPayload{},
	TopicGrpcRequestFailed:    GrpcRequestPayload{},
	TopicGrpcRequestCancel:    CancelPayload{},
	TopicPlaybackStarted:      PlaybackPayload{},
	TopicPlaybackCompleted:    PlaybackPayload{},
	TopicPlaybackFailed:       PlaybackPayload{},
	TopicPlaybackCancelled:    CancelPayload{},
	TopicPlaybackChunk:        PlaybackChunkPayload{},
	TopicInterruptRequest:     InterruptPayload{},
	TopicRecordingStart:       RecordingPayload{},
	TopicRecordingStop:        RecordingPayload{},
	TopicVoiceActivity:        VoiceActivityPayload{},
}

// Event is one published message. Immutable once published.
type Event struct {
	Topic   Topic     `json:"topic"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// SessionID extracts the session id carried by the payload, if any.
func (e Event) SessionID() string {
	switch p := e.Payload.(type) {
	case KeyboardPayload:
		return p.SessionID
	case ScreenshotCapturedPayload:
		return p.SessionID
	case ScreenshotErrorPayload:
		return p.SessionID
	case GrpcRequestPayload:
		return p.SessionID
	case CancelPayload:
		return p.SessionID
	case PlaybackPayload:
		return p.SessionID
	case PlaybackChunkPayload:
		return p.SessionID
	case InterruptPayload:
		return p.SessionID
	case RecordingPayload:
		return p.SessionID
	case VoiceActivityPayload:
		return p.SessionID
	default:
		return ""
	}
}
