package agent

import (
	"context"
	"math"
	"math/rand"
	"time"

	"overseer/pkg/agent/llmerrors"
	"overseer/pkg/logx"
)

// RetryableClient wraps a Client with per-error-type exponential backoff.
// Retry budgets come from llmerrors.DefaultRetryConfigs: rate limits retry
// longest, auth and bad-prompt errors never retry. When a transient budget is
// exhausted the wrapper returns a service_unavailable error so the caller can
// record an infra outcome without consuming the phase attempt.
type RetryableClient struct {
	client Client
	logger *logx.Logger
}

// NewRetryableClient wraps a raw provider client.
func NewRetryableClient(client Client) *RetryableClient {
	return &RetryableClient{
		client: client,
		logger: logx.NewLogger("agent-retry"),
	}
}

// ModelName returns the wrapped client's model.
func (r *RetryableClient) ModelName() string {
	return r.client.ModelName()
}

// Complete implements Client with classified retry.
func (r *RetryableClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	var lastErr *llmerrors.Error
	attempts := 0

	for {
		resp, err := r.client.Complete(ctx, in)
		if err == nil {
			return resp, nil
		}

		classified := llmerrors.Classify(err)
		lastErr = classified
		attempts++

		if !classified.IsRetryable() {
			return CompletionResponse{}, classified
		}

		cfg := classified.GetRetryConfig()
		if attempts > cfg.MaxRetries {
			break
		}

		delay := backoffDelay(cfg, attempts)
		r.logger.Warn("%s from %s, retry %d/%d in %s",
			classified.Type, r.client.ModelName(), attempts, cfg.MaxRetries, delay)

		select {
		case <-ctx.Done():
			return CompletionResponse{}, llmerrors.Classify(ctx.Err())
		case <-time.After(delay):
		}
	}

	return CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, attempts)
}

func backoffDelay(cfg llmerrors.RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		jitter := time.Duration(rand.Int63n(int64(delay) / 5)) //nolint:gosec // jitter, not crypto
		delay += jitter - time.Duration(int64(delay)/10)
	}
	if delay < 0 {
		delay = cfg.InitialDelay
	}
	return delay
}
