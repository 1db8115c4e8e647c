package streaming

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
)

const defaultChatCompletionsURL = "https://api.openai.com/v1/chat/completions"

// OpenAIGenerator streams reply text from an OpenAI-compatible chat
// completions endpoint. When the request carries a screenshot it is attached
// as an inline image so vision-capable models can ground on it.
type OpenAIGenerator struct {
	APIKey  string
	BaseURL string
	Model   string
	System  string
	HTTP    *http.Client

	mu    sync.Mutex
	inUse map[*context.CancelFunc]struct{}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (g *OpenAIGenerator) track(cancel *context.CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse == nil {
		g.inUse = make(map[*context.CancelFunc]struct{})
	}
	g.inUse[cancel] = struct{}{}
}

func (g *OpenAIGenerator) untrack(cancel *context.CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inUse, cancel)
}

// Stop aborts every in-flight completion request. Per-session interrupts go
// through the call context instead; Stop is for process shutdown.
func (g *OpenAIGenerator) Stop() {
	g.mu.Lock()
	cancels := make([]*context.CancelFunc, 0, len(g.inUse))
	for c := range g.inUse {
		cancels = append(cancels, c)
	}
	g.mu.Unlock()
	for _, c := range cancels {
		(*c)()
	}
}

func (g *OpenAIGenerator) buildMessages(req GenRequest) []chatMessage {
	system := g.System
	if system == "" {
		system = "You are a voice assistant. Answer briefly; your reply will be spoken aloud."
	}
	messages := []chatMessage{{Role: "system", Content: system}}

	if len(req.Screenshot) > 0 {
		messages = append(messages, chatMessage{
			Role: "user",
			Content: []chatContentPart{
				{Type: "text", Text: req.Prompt},
				{Type: "image_url", ImageURL: &chatImageURL{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Screenshot),
				}},
			},
		})
	} else {
		messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	}
	return messages
}

// Generate streams completion deltas as text segments.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenRequest, interrupted func() bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		g.track(&cancel)
		defer g.untrack(&cancel)

		url := defaultChatCompletionsURL
		if g.BaseURL != "" {
			url = strings.TrimRight(g.BaseURL, "/") + "/chat/completions"
		}

		body, err := json.Marshal(chatRequest{
			Model:    g.Model,
			Messages: g.buildMessages(req),
			Stream:   true,
		})
		if err != nil {
			yield("", fmt.Errorf("marshal request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
		if err != nil {
			yield("", fmt.Errorf("create request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+g.APIKey)

		client := g.HTTP
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return // cancelled, not an error
			}
			yield("", fmt.Errorf("do request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield("", fmt.Errorf("api error: %d - %s", resp.StatusCode, string(msg)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if interrupted() {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue // tolerate non-chunk SSE frames
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			yield("", fmt.Errorf("read stream: %w", err))
		}
	}
}
