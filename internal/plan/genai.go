package plan

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIService calls Google's Gemini API directly as the
// PlanService backend, an alternative to GRPCService for operators
// without a separate LLM sidecar.
type GenAIService struct {
	client *genai.Client
	model  string
}

// NewGenAIService constructs a GenAIService. model defaults to
// "gemini-2.0-flash" if empty.
func NewGenAIService(ctx context.Context, apiKey, model string) (*GenAIService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("plan: GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("plan: create GenAI client: %w", err)
	}
	return &GenAIService{client: client, model: model}, nil
}

func (s *GenAIService) Plan(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := s.client.Models.GenerateContent(ctx, s.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("plan: GenAI GenerateContent: %w", err)
	}
	return resp.Text(), nil
}
