// chatrelay/services/llm/langchain.go
package llm

import (
	"chatrelay/chatrelay/utils/logging"
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// LangChainClient streams completions through any langchaingo model.
type LangChainClient struct {
	provider string
	model    string
	llm      llms.Model
}

func NewLangChainClient(provider, model string, llm llms.Model) *LangChainClient {
	return &LangChainClient{provider: provider, model: model, llm: llm}
}

func NewGeminiClient(ctx context.Context, apiKey, model string) (*LangChainClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w (GEMINI_API_KEY)", ErrMissingAPIKey)
	}
	g, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return NewLangChainClient("gemini", model, g), nil
}

func NewOpenAIClient(apiKey, baseURL, model string) (*LangChainClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: %w (OPENAI_API_KEY)", ErrMissingAPIKey)
	}
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	o, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	return NewLangChainClient("openai", model, o), nil
}

func toMessageContent(msgs []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func (c *LangChainClient) RunStream(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%s: at least one message is required", c.provider)
	}
	contents := toMessageContent(req.Messages)
	model := coalesce(req.Model, c.model)

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer logging.LogDuration(ctx, c.provider+"_run_stream")()

		_, err := c.llm.GenerateContent(ctx, contents,
			llms.WithModel(model),
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				select {
				case ch <- Chunk{Text: string(chunk)}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}),
		)
		if err != nil {
			logging.ErrorLogger.Error("llm stream error",
				zap.String("provider", c.provider), zap.String("model", model), zap.Error(err))
			select {
			case ch <- Chunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}
