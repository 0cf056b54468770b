package agent

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"overseer/pkg/agent/llmerrors"
)

// GeminiClient wraps the Google GenAI SDK behind the Client interface. The
// underlying client requires a context, so it is created lazily on first use.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClient creates a raw Gemini client; retry is layered above.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, model: model}
}

// ModelName returns the configured model.
func (c *GeminiClient) ModelName() string {
	return c.model
}

// Complete implements Client.
func (c *GeminiClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	if c.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  c.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err,
				"failed to create Gemini client")
		}
		c.client = client
	}

	contents, systemInstruction, err := convertMessagesToGemini(in.Messages)
	if err != nil {
		return CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt,
			fmt.Sprintf("message conversion error: %v", err))
	}

	//nolint:gosec // ceiling validated by the budget estimator
	maxTokens := int32(in.MaxTokens)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &in.Temperature,
		MaxOutputTokens: maxTokens,
	}
	if systemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return CompletionResponse{}, llmerrors.Classify(err)
	}
	if result == nil || result.Text() == "" {
		return CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
			"received empty response from Gemini API")
	}

	resp := CompletionResponse{
		Content:    result.Text(),
		StopReason: StopEnd,
	}
	if len(result.Candidates) > 0 && result.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		resp.StopReason = StopMaxTokens
	}
	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens: int64(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	return resp, nil
}

func convertMessagesToGemini(messages []CompletionMessage) (contents []*genai.Content, systemInstruction string, err error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case RoleSystem:
			if systemInstruction != "" {
				systemInstruction += "\n\n"
			}
			systemInstruction += msg.Content
		case RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	if len(contents) == 0 {
		return nil, "", fmt.Errorf("must have at least one non-system message")
	}
	return contents, systemInstruction, nil
}
