// Package llmerrors classifies provider errors into the taxonomy the control
// loop acts on: retryable infra conditions vs. permanent request problems.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType buckets provider failures for retry and health accounting.
type ErrorType int8

const (
	// ErrorTypeRateLimit marks 429/quota responses.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient marks 5xx, timeouts, resets and EOFs.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse marks HTTP 200 with no content.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth marks 401/403 and bad API keys.
	ErrorTypeAuth
	// ErrorTypeBadPrompt marks malformed or oversized requests.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified failures.
	ErrorTypeUnknown
	// ErrorTypeServiceUnavailable is emitted after transient retries are
	// exhausted; the attempt reports an infra outcome and the router counts
	// the failure against provider health.
	ErrorTypeServiceUnavailable
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// RetryConfig defines exponential backoff behavior for one error type.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfigs maps each error type to its backoff policy.
//
//nolint:gochecknoglobals // package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeEmptyResponse: {MaxRetries: 5, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2.0, Jitter: true},
	ErrorTypeRateLimit:     {MaxRetries: 6, InitialDelay: time.Second, MaxDelay: 60 * time.Second, BackoffFactor: 2.0, Jitter: true},
	ErrorTypeTransient:     {MaxRetries: 4, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffFactor: 2.0, Jitter: true},
	ErrorTypeAuth:          {MaxRetries: 0, BackoffFactor: 1.0},
	ErrorTypeBadPrompt:     {MaxRetries: 0, BackoffFactor: 1.0},
	ErrorTypeUnknown:       {MaxRetries: 1, InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2.0, Jitter: true},
	ErrorTypeServiceUnavailable: {MaxRetries: 0, BackoffFactor: 1.0},
}

// Error is a classified provider error with retry metadata.
type Error struct {
	Err        error
	Message    string
	Type       ErrorType
	StatusCode int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable uses a blocklist: everything retries unless known permanent.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable:
		return false
	default:
		return true
	}
}

// GetRetryConfig returns the backoff policy for this error type.
func (e *Error) GetRetryConfig() RetryConfig {
	if config, ok := DefaultRetryConfigs[e.Type]; ok {
		return config
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// Is checks whether err carries the given type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the classified type, or unknown.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// NewError creates a classified error with a message.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithStatus creates a classified error carrying an HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewErrorWithCause creates a classified error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewServiceUnavailableError wraps a transient cause after retries ran out.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d retry attempts", attempts),
	}
}

// Classify maps an arbitrary provider error to a classified Error. SDKs rarely
// expose status codes as fields, so classification falls back to message text.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request canceled")
	}

	errStr := err.Error()
	switch code := extractStatusCode(errStr); code {
	case 401, 403:
		return NewErrorWithStatus(ErrorTypeAuth, code, "authentication failed")
	case 429:
		return NewErrorWithStatus(ErrorTypeRateLimit, code, "rate limit exceeded")
	case 400, 413, 422:
		return NewErrorWithStatus(ErrorTypeBadPrompt, code, "bad request")
	case 500, 502, 503, 504, 529:
		return NewErrorWithStatus(ErrorTypeTransient, code, "server error")
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "temporary"),
		strings.Contains(lower, "eof"),
		strings.Contains(lower, "reset"):
		return NewErrorWithCause(ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(lower, "rate"), strings.Contains(lower, "quota"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "api key"):
		return NewErrorWithCause(ErrorTypeAuth, err, "authentication error")
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "too large"),
		strings.Contains(lower, "malformed"):
		return NewErrorWithCause(ErrorTypeBadPrompt, err, "prompt or request error")
	}
	return NewErrorWithCause(ErrorTypeUnknown, err, "unclassified error")
}

var statusPatterns = []string{"status code: ", "status: ", "http ", "code "} //nolint:gochecknoglobals

var knownStatuses = []string{"400", "401", "403", "413", "422", "429", "500", "502", "503", "504", "529"} //nolint:gochecknoglobals

func extractStatusCode(errStr string) int {
	lower := strings.ToLower(errStr)
	for _, pattern := range statusPatterns {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		start := idx + len(pattern)
		if start+3 > len(errStr) {
			continue
		}
		candidate := errStr[start : start+3]
		for _, known := range knownStatuses {
			if candidate == known {
				code := 0
				_, _ = fmt.Sscanf(candidate, "%d", &code)
				return code
			}
		}
	}
	return 0
}
