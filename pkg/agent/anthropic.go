package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"overseer/pkg/agent/llmerrors"
)

// AnthropicClient wraps the Anthropic SDK behind the Client interface.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient creates a raw Anthropic client; retry is layered above.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// ModelName returns the configured model.
func (c *AnthropicClient) ModelName() string {
	return string(c.model)
}

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	systemPrompt, alternating, err := ensureAlternation(in.Messages)
	if err != nil {
		return CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt,
			fmt.Sprintf("message alternation error: %v", err))
	}

	messages := make([]anthropic.MessageParam, 0, len(alternating))
	for i := range alternating {
		msg := &alternating[i]
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt, Type: "text"}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, llmerrors.Classify(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
			"received empty response from Anthropic API")
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	return CompletionResponse{
		Content:    text.String(),
		StopReason: normalizeStopReason(string(resp.StopReason)),
		Usage: Usage{
			PromptTokens: resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// ensureAlternation extracts system messages into the top-level system
// parameter, merges consecutive user messages and validates the sequence the
// Anthropic API requires: user first, strict user/assistant alternation, user
// last.
func ensureAlternation(messages []CompletionMessage) (systemPrompt string, alternating []CompletionMessage, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var rest []CompletionMessage
	for i := range messages {
		if messages[i].Role == RoleSystem {
			systemParts = append(systemParts, messages[i].Content)
		} else {
			rest = append(rest, messages[i])
		}
	}
	systemPrompt = strings.Join(systemParts, "\n\n")
	if len(rest) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}

	var merged []CompletionMessage
	var userParts []string
	flush := func() {
		if len(userParts) > 0 {
			merged = append(merged, CompletionMessage{Role: RoleUser, Content: strings.Join(userParts, "\n\n")})
			userParts = nil
		}
	}
	for i := range rest {
		if rest[i].Role == RoleAssistant {
			flush()
			merged = append(merged, rest[i])
		} else {
			userParts = append(userParts, rest[i].Content)
		}
	}
	flush()

	for i := range merged {
		if i > 0 && merged[i].Role == merged[i-1].Role {
			return "", nil, fmt.Errorf("alternation violation at index %d", i)
		}
	}
	if merged[0].Role != RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got %s", merged[0].Role)
	}
	if merged[len(merged)-1].Role != RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got %s", merged[len(merged)-1].Role)
	}
	return systemPrompt, merged, nil
}
