// Package agent wraps LLM providers behind one completion interface and layers
// the Builder and Auditor roles on top of it.
package agent

import (
	"context"
)

// CompletionRole is the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser carries the phase prompt.
	RoleUser CompletionRole = "user"
	// RoleAssistant carries prior model output fed back for a retry.
	RoleAssistant CompletionRole = "assistant"
)

// Normalized stop reasons. Providers report truncation under different names
// ("max_tokens", "length", "MAX_TOKENS"); clients map them to StopMaxTokens so
// the Builder can treat a clipped patch as its own retryable condition.
const (
	StopEnd       = "end"
	StopMaxTokens = "max_tokens"
)

// CompletionMessage is one message in a completion request.
type CompletionMessage struct {
	Role    CompletionRole
	Content string
}

// CompletionRequest is a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	Temperature float32
	// MaxTokens is the enforced output ceiling chosen by the budget estimator.
	MaxTokens int
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens int64
	OutputTokens int64
}

// CompletionResponse is a provider response in normalized form.
type CompletionResponse struct {
	Content    string
	StopReason string
	Usage      Usage
}

// Truncated reports whether the output hit the enforced ceiling.
func (r *CompletionResponse) Truncated() bool {
	return r.StopReason == StopMaxTokens
}

// Client is the provider-neutral completion interface.
type Client interface {
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)
	ModelName() string
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}

func normalizeStopReason(raw string) string {
	switch raw {
	case "max_tokens", "length", "MAX_TOKENS", "max_output_tokens":
		return StopMaxTokens
	default:
		return StopEnd
	}
}
