package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunMetrics is aggregated token and cost usage for one run.
type RunMetrics struct {
	RunID            string  `json:"run_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService aggregates run usage out of a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against a Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{client: client, queryAPI: v1.NewAPI(client)}, nil
}

// GetRunMetrics aggregates token and cost counters for a run across all
// providers and roles.
func (q *QueryService) GetRunMetrics(ctx context.Context, runID string) (*RunMetrics, error) {
	metrics := &RunMetrics{RunID: runID}

	var err error
	metrics.PromptTokens, err = q.sumQuery(ctx,
		fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, type="prompt"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}

	metrics.CompletionTokens, err = q.sumQuery(ctx,
		fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, type="completion"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	cost, err := q.sumQueryFloat(ctx, fmt.Sprintf(`sum(llm_costs_total{run_id=%q})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}
	metrics.TotalCost = cost
	return metrics, nil
}

// GetRunMetricsByModel breaks run usage down per model.
func (q *QueryService) GetRunMetricsByModel(ctx context.Context, runID string) (map[string]*RunMetrics, error) {
	result := make(map[string]*RunMetrics)

	modelsResult, _, err := q.queryAPI.Query(ctx,
		fmt.Sprintf(`group by (model) (llm_tokens_total{run_id=%q})`, runID), time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	vector, ok := modelsResult.(model.Vector)
	if !ok {
		return result, nil
	}
	for _, sample := range vector {
		modelName := string(sample.Metric["model"])
		if modelName == "" {
			continue
		}
		m := &RunMetrics{RunID: runID}
		m.PromptTokens, err = q.sumQuery(ctx,
			fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, model=%q, type="prompt"})`, runID, modelName))
		if err != nil {
			return nil, err
		}
		m.CompletionTokens, err = q.sumQuery(ctx,
			fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, model=%q, type="completion"})`, runID, modelName))
		if err != nil {
			return nil, err
		}
		m.TotalTokens = m.PromptTokens + m.CompletionTokens
		m.TotalCost, err = q.sumQueryFloat(ctx,
			fmt.Sprintf(`sum(llm_costs_total{run_id=%q, model=%q})`, runID, modelName))
		if err != nil {
			return nil, err
		}
		result[modelName] = m
	}
	return result, nil
}

func (q *QueryService) sumQuery(ctx context.Context, query string) (int64, error) {
	v, err := q.sumQueryFloat(ctx, query)
	return int64(v), err
}

func (q *QueryService) sumQueryFloat(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
