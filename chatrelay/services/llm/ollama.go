// chatrelay/services/llm/ollama.go
package llm

import (
	httputils "chatrelay/chatrelay/utils/http"
	"chatrelay/chatrelay/utils/logging"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaClient(baseURL, model string, client *http.Client) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434/api"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaClient{baseURL: strings.TrimRight(baseURL, "/"), model: model, client: client}
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func (c *OllamaClient) RunStream(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	done := logging.LogDuration(ctx, "ollama_run_stream_open")
	body, err := httputils.PostStream(ctx, c.client, c.baseURL+"/chat", ollamaChatRequest{
		Model:    coalesce(req.Model, c.model),
		Messages: req.Messages,
		Stream:   true,
	})
	done()
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk)

	go func() {
		defer func() {
			close(ch)
			body.Close()
		}()
		defer logging.LogDuration(ctx, "ollama_run_stream")()

		send := func(chunk Chunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		decoder := json.NewDecoder(body)
		for {
			var chunk ollamaChatResponse
			if err := decoder.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if ctx.Err() != nil {
					logging.AppLogger.Info("ollama stream context cancelled")
					return
				}
				logging.ErrorLogger.Error("ollama stream decode error", zap.Error(err))
				send(Chunk{Err: err})
				return
			}
			if chunk.Error != "" {
				send(Chunk{Err: errors.New(chunk.Error)})
				return
			}
			if chunk.Message.Content != "" {
				if !send(Chunk{Text: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
	}()

	return ch, nil
}
