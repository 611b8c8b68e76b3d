package cohort

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/genai"

	"github.com/clinsynth/cohortgen/internal/config"
)

// Completion is one model reply with optional token accounting.
type Completion struct {
	Text  string
	Usage *TokenUsage
}

// CompletionClient invokes the external completion service with a system
// and a user message. Implementations do not retry; the orchestrator owns
// the retry policy.
type CompletionClient interface {
	Complete(ctx context.Context, system, user string) (*Completion, error)
}

// GenAIClient is the Gemini-backed CompletionClient.
type GenAIClient struct {
	client      *genai.Client
	model       string
	temperature float64
}

// NewGenAIClient creates a completion client from the process configuration.
func NewGenAIClient(ctx context.Context, cfg *config.Config) (*GenAIClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("cohort: create genai client: %w", err)
	}
	return &GenAIClient{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Complete sends the two-message request and returns the reply text plus
// token usage when the service reports it.
func (c *GenAIClient) Complete(ctx context.Context, system, user string) (*Completion, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(user, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		Temperature:       genai.Ptr(float32(c.temperature)),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("cohort: generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("cohort: empty response from model")
	}

	out := &Completion{Text: text}
	if resp.UsageMetadata != nil {
		out.Usage = &TokenUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

// isTransient reports whether a completion failure is worth one more
// attempt: transport-level trouble or a throttled/overloaded service.
// Model-level and validation failures never are.
func isTransient(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || (apiErr.Code >= 500 && apiErr.Code < 600)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
