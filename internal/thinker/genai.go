package thinker

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIBackend serves both tiers from the Google GenAI API with one
// model per tier.
type GenAIBackend struct {
	client    *genai.Client
	fastModel string
	slowModel string
}

// NewGenAIBackend builds the backend. The API key is required.
func NewGenAIBackend(ctx context.Context, apiKey, fastModel, slowModel string) (*GenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("thinker: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("thinker: genai client: %w", err)
	}
	return &GenAIBackend{client: client, fastModel: fastModel, slowModel: slowModel}, nil
}

func (b *GenAIBackend) Generate(ctx context.Context, tier Tier, prompt string) (string, error) {
	model := b.fastModel
	if tier == TierSlow {
		model = b.slowModel
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := b.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("generate (%s): %w", model, err)
	}
	return resp.Text(), nil
}
