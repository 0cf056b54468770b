package agent

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"overseer/pkg/agent/llmerrors"
)

// OllamaClient wraps the Ollama API for local models behind the Client
// interface. Local models carry no per-token cost, so the router prefers them
// at the bottom of every ladder.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates a client against an Ollama server URL
// ("http://localhost:11434" when empty).
func NewOllamaClient(hostURL, model string) *OllamaClient {
	if hostURL == "" {
		hostURL = "http://localhost:11434"
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaClient{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

// ModelName returns the configured model.
func (c *OllamaClient) ModelName() string {
	return c.model
}

// Complete implements Client.
func (c *OllamaClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	messages := make([]api.Message, 0, len(in.Messages))
	for i := range in.Messages {
		msg := &in.Messages[i]
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return CompletionResponse{}, llmerrors.Classify(err)
	}
	if response.Message.Content == "" {
		return CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
			"received empty response from Ollama")
	}

	return CompletionResponse{
		Content:    response.Message.Content,
		StopReason: normalizeStopReason(response.DoneReason),
		Usage: Usage{
			PromptTokens: int64(response.PromptEvalCount),
			OutputTokens: int64(response.EvalCount),
		},
	}, nil
}
