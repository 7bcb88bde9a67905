// chatrelay/services/llm/gemini_models.go
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type modelIterator interface {
	Next() (*genai.ModelInfo, error)
}

// ListGeminiModels returns the model names visible to apiKey.
func ListGeminiModels(ctx context.Context, apiKey string) ([]string, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w (GEMINI_API_KEY)", ErrMissingAPIKey)
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	defer client.Close()
	return modelNames(client.ListModels(ctx))
}

func modelNames(it modelIterator) ([]string, error) {
	var names []string
	for {
		m, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return names, fmt.Errorf("list gemini models: %w", err)
		}
		names = append(names, m.Name)
	}
}
