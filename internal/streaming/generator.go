// Package streaming implements the assist RPC service: the generation loop
// that interleaves text and audio chunks, and the engines it delegates to.
package streaming

import (
	"context"
	"encoding/binary"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/ashureev/glance/internal/proto/assist"
)

// GenRequest carries the prompt and optional screenshot context into a
// text engine.
type GenRequest struct {
	Prompt       string
	Screenshot   []byte
	ScreenWidth  int32
	ScreenHeight int32
}

// TextGenerator produces reply text in segments. Implementations must poll
// interrupted between segments and stop as soon as it reports true, and must
// honor ctx cancellation: the service cancels each call's context on
// interrupt, which is the hard-stop path. Engines are shared across calls
// and identities, so they carry no per-interrupt state of their own.
type TextGenerator interface {
	Generate(ctx context.Context, req GenRequest, interrupted func() bool) iter.Seq2[string, error]
}

// SpeechSynthesizer derives audio from one text segment. A nil chunk with a
// nil error means the segment produced no audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string, interrupted func() bool) (*assist.AudioChunk, error)
}

// ScriptedGenerator is the built-in text engine: it answers every prompt with
// a canned reply, emitted word by word with a fixed pacing delay. It keeps the
// server usable without an LLM backend and gives tests deterministic output.
type ScriptedGenerator struct {
	Reply string
	Pace  time.Duration
}

func (g *ScriptedGenerator) Generate(ctx context.Context, req GenRequest, interrupted func() bool) iter.Seq2[string, error] {
	reply := g.Reply
	if reply == "" {
		reply = "I heard: " + req.Prompt
	}
	return func(yield func(string, error) bool) {
		for _, word := range strings.Fields(reply) {
			if interrupted() {
				return
			}
			if g.Pace > 0 {
				select {
				case <-time.After(g.Pace):
				case <-ctx.Done():
					return
				}
			} else if ctx.Err() != nil {
				return
			}
			if !yield(word+" ", nil) {
				return
			}
		}
	}
}

// ToneSynthesizer is the built-in audio engine: each text segment becomes a
// short int16 sine burst whose pitch is derived from the segment, so distinct
// segments are audibly distinct during bring-up.
type ToneSynthesizer struct {
	SampleRate int
}

func (s *ToneSynthesizer) Synthesize(ctx context.Context, text string, interrupted func() bool) (*assist.AudioChunk, error) {
	if interrupted() || ctx.Err() != nil {
		return nil, nil
	}
	rate := s.SampleRate
	if rate <= 0 {
		rate = 16000
	}

	// 40ms per character, 80ms floor.
	samples := rate * (40*len(text) + 80) / 1000
	freq := 220.0 + float64(len(text)%12)*55.0

	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return &assist.AudioChunk{
		AudioData: data,
		Dtype:     assist.DtypeInt16,
		Shape:     []int32{int32(samples)},
	}, nil
}
