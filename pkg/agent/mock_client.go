package agent

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests. Responses and errors are consumed
// in order; the last entry repeats once the script runs out.
type MockClient struct {
	mu        sync.Mutex
	model     string
	responses []CompletionResponse
	errs      []error
	calls     []CompletionRequest
}

// NewMockClient creates a mock with a scripted response sequence.
func NewMockClient(model string, responses ...CompletionResponse) *MockClient {
	return &MockClient{model: model, responses: responses}
}

// FailWith queues errors to return before any scripted responses.
func (m *MockClient) FailWith(errs ...error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

// ModelName implements Client.
func (m *MockClient) ModelName() string {
	return m.model
}

// Complete implements Client.
func (m *MockClient) Complete(_ context.Context, in CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, in)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return CompletionResponse{}, err
	}
	if len(m.responses) == 0 {
		return CompletionResponse{Content: "ok", StopReason: StopEnd}, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

// Calls returns the requests seen so far.
func (m *MockClient) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}
