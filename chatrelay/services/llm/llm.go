// chatrelay/services/llm/llm.go
package llm

import (
	"chatrelay/chatrelay/config"
	"context"
	"errors"
	"fmt"
)

const (
	DefaultGeminiModel = "gemini-2.5-flash-preview-05-20"
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultOllamaModel = "llama3:8b"
)

var ErrMissingAPIKey = errors.New("api key is required")

// Roles understood by Streamer implementations; store roles are mapped onto these.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// Chunk is one piece of a streamed completion. A chunk with Err set is the
// last value sent before the channel closes.
type Chunk struct {
	Text string
	Err  error
}

// Streamer sends a transcript to a hosted model and streams the reply.
type Streamer interface {
	RunStream(ctx context.Context, req ChatRequest) (<-chan Chunk, error)
}

// NewStreamer builds the provider selected by cfg.LLMProvider and returns
// the model name it will use.
func NewStreamer(ctx context.Context, cfg config.Config) (Streamer, string, error) {
	switch cfg.LLMProvider {
	case "", "gemini":
		model := coalesce(cfg.LLMModel, DefaultGeminiModel)
		c, err := NewGeminiClient(ctx, cfg.GeminiAPIKey, model)
		if err != nil {
			return nil, "", err
		}
		return c, model, nil
	case "openai":
		model := coalesce(cfg.LLMModel, DefaultOpenAIModel)
		c, err := NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, model)
		if err != nil {
			return nil, "", err
		}
		return c, model, nil
	case "ollama":
		model := coalesce(cfg.LLMModel, DefaultOllamaModel)
		return NewOllamaClient(cfg.OllamaBaseURL, model, nil), model, nil
	default:
		return nil, "", fmt.Errorf("unsupported llm provider %q", cfg.LLMProvider)
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
