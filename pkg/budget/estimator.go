// Package budget predicts output token budgets per phase and derives the
// ceiling enforced on model calls.
package budget

import (
	"math"
	"time"

	"overseer/pkg/config"
	"overseer/pkg/logx"
	"overseer/pkg/proto"
	"overseer/pkg/utils"
)

// Budget is the estimator's output for one phase.
type Budget struct {
	// Predicted is the expected output size from category base, deliverable
	// weights and complexity factor. It is the calibration reference and is
	// never adjusted by the floor.
	Predicted int
	// Ceiling is the enforced MaxTokens for the call. Equals Predicted unless
	// the global floor raised it; always >= Predicted.
	Ceiling int
	// FloorApplied reports whether the global floor raised the ceiling.
	FloorApplied bool
}

// Estimator computes budgets from the active config and counts prompt sizes
// with the shared tokenizer.
type Estimator struct {
	cfg     *config.Config
	counter *utils.TokenCounter
	logger  *logx.Logger
}

// NewEstimator creates an estimator over the active configuration.
func NewEstimator(cfg *config.Config) *Estimator {
	logger := logx.NewLogger("budget")
	counter, err := utils.NewTokenCounter("gpt-4")
	if err != nil {
		// Count falls back to a character estimate on a nil counter.
		logger.Warn("tokenizer unavailable, using character estimates: %v", err)
	}
	return &Estimator{
		cfg:     cfg,
		counter: counter,
		logger:  logger,
	}
}

// Estimate computes the predicted budget and enforced ceiling for a phase.
func (e *Estimator) Estimate(phase *proto.Phase) Budget {
	bc := e.cfg.Budget

	base := 1024
	smallOutput := false
	if cat, ok := bc.Categories[phase.Category]; ok {
		if cat.BaseTokens > 0 {
			base = cat.BaseTokens
		}
		smallOutput = cat.SmallOutput
	}

	predicted := base
	for _, d := range phase.Deliverables {
		if weight, ok := bc.PerDeliverable[d.Type]; ok {
			predicted += weight
		} else {
			predicted += bc.PerDeliverable["code"]
		}
	}

	factor := 1.0
	if f, ok := bc.ComplexityFactor[string(phase.Complexity)]; ok && f > 0 {
		factor = f
	}
	predicted = int(math.Ceil(float64(predicted) * factor))

	budget := Budget{Predicted: predicted, Ceiling: predicted}
	if predicted < bc.GlobalFloor && !smallOutput {
		budget.Ceiling = bc.GlobalFloor
		budget.FloorApplied = true
	}

	e.logger.Debug("phase %s (%s/%s): predicted=%d ceiling=%d floor=%v",
		phase.ID, phase.Category, phase.Complexity, budget.Predicted, budget.Ceiling, budget.FloorApplied)
	return budget
}

// CountPrompt returns the token count of assembled prompt text.
func (e *Estimator) CountPrompt(text string) int {
	return e.counter.Count(text)
}

// NewEvent builds the calibration record for one completed attempt.
func NewEvent(phase *proto.Phase, b Budget, actualTokens int64, truncated bool) *proto.TokenEstimationEvent {
	return &proto.TokenEstimationEvent{
		RunID:           phase.RunID,
		PhaseID:         phase.ID,
		Category:        phase.Category,
		Complexity:      phase.Complexity,
		PredictedBudget: b.Predicted,
		EnforcedCeiling: b.Ceiling,
		ActualTokens:    actualTokens,
		Truncated:       truncated,
		RecordedAt:      time.Now().UTC(),
	}
}
