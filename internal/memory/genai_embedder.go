package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"autoforge/internal/logging"
)

// genAIDimensions mirrors the teacher's GenAIEngine default output
// dimensionality for gemini-embedding-001 (internal/embedding/genai.go).
const genAIDimensions = 3072

// GenAIEmbedder embeds text via Google's Gemini embedding API (spec §4.5
// "Content is embedded by an external embedder"), grounded on the
// teacher's GenAIEngine (internal/embedding/genai.go).
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

// NewGenAIEmbedder builds a GenAIEmbedder from an API key and model id,
// defaulting the model the way the teacher's NewGenAIEngine does.
func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("memory: genai embedder requires an API key")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("memory: create genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

func (e *GenAIEmbedder) Dimensions() int { return genAIDimensions }

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dims := int32(genAIDimensions)
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		logging.Get(logging.CategoryMemory).Error("genai embed failed", zap.Error(err))
		return nil, fmt.Errorf("memory: genai embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("memory: genai embed: no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}
