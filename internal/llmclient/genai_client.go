package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"autoforge/internal/logging"
	"autoforge/internal/tool"
)

// GenAIClient adapts a google.golang.org/genai chat model to tool.LLM,
// grounded on the teacher's genai.Client construction
// (internal/embedding/genai.go's NewGenAIEngine) generalized from
// embeddings to chat completion.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient builds a GenAIClient for the given model id.
func NewGenAIClient(ctx context.Context, apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llmclient: genai client requires an API key")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llmclient: create genai client: %w", err)
	}
	return &GenAIClient{client: client, model: model}, nil
}

// Complete satisfies tool.LLM (spec §4.2 "complete(role, messages,
// schema_hint, stop?) -> (text, finish_reason, token_counts) |
// Err(Transient|Permanent)").
func (c *GenAIClient) Complete(ctx context.Context, role string, messages []tool.Message, schemaHint string, stop []string) (string, tool.FinishReason, tool.TokenCounts, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		r := genai.RoleUser
		if m.Role == "model" || m.Role == "assistant" {
			r = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, r))
	}

	cfg := &genai.GenerateContentConfig{}
	if len(stop) > 0 {
		cfg.StopSequences = stop
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		class := classify(err)
		logging.Get(logging.CategoryWorker).Warn("genai completion failed",
			zap.String("role", role), zap.String("class", string(class)), zap.Error(err))
		return "", "", tool.TokenCounts{}, &tool.LLMError{Class: class, Err: err}
	}
	if len(result.Candidates) == 0 {
		return "", "", tool.TokenCounts{}, &tool.LLMError{Class: tool.ErrorClassPermanent, Err: fmt.Errorf("no candidates returned")}
	}

	text := result.Text()
	finish := mapFinishReason(result.Candidates[0].FinishReason)
	counts := tool.TokenCounts{}
	if result.UsageMetadata != nil {
		counts.Prompt = int(result.UsageMetadata.PromptTokenCount)
		counts.Completion = int(result.UsageMetadata.CandidatesTokenCount)
		counts.Total = int(result.UsageMetadata.TotalTokenCount)
	}
	return text, finish, counts, nil
}

func mapFinishReason(r genai.FinishReason) tool.FinishReason {
	switch r {
	case genai.FinishReasonMaxTokens:
		return tool.FinishMaxTokens
	default:
		return tool.FinishStop
	}
}
