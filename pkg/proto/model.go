package proto

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run is one end-to-end autonomous execution of a plan. It is created by the
// front door and mutated only by the supervisor that holds its lock.
type Run struct {
	ID            string    `json:"id"`
	Project       string    `json:"project"`
	Tiers         []*Tier   `json:"tiers"`
	State         RunState  `json:"state"`
	SafetyProfile string    `json:"safety_profile,omitempty"`
	MaxTokens     int64     `json:"max_tokens"`
	MaxWallClock  Duration  `json:"max_wall_clock"`
	MaxAttempts   int       `json:"max_attempts"`
	TokensUsed    int64     `json:"tokens_used"`
	CostUSD       float64   `json:"cost_usd"`
	AbortRequested bool     `json:"abort_requested"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
}

// Tier is an ordered group of phases sharing a promotion boundary.
type Tier struct {
	Index       int      `json:"index"`
	Name        string   `json:"name,omitempty"`
	Phases      []*Phase `json:"phases"`
	IssueCount  int      `json:"issue_count"`
	MajorIssues int      `json:"major_issues"`
	Clean       bool     `json:"clean"`
	Promoted    bool     `json:"promoted"`
}

// Phase is the atomic unit of planned work.
type Phase struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	TierIndex    int        `json:"tier_index"`
	Title        string     `json:"title"`
	Spec         string     `json:"spec"`
	Category     string     `json:"category"`
	Complexity   Complexity `json:"complexity"`
	Deliverables []Deliverable `json:"deliverables"`
	AllowedPaths   []string `json:"allowed_paths"`
	ProtectedPaths []string `json:"protected_paths"`
	// AllowGrowth waives the growth/shrink guardrail for legitimate large
	// expansions; set per phase by the plan.
	AllowGrowth bool `json:"allow_growth,omitempty"`
	// ValidationCommand is the phase-declared verification command.
	ValidationCommand string `json:"validation_command,omitempty"`

	State        PhaseState `json:"state"`
	AttemptCount int        `json:"attempt_count"`
	Attempts     []*Attempt `json:"attempts,omitempty"`
	// PendingGovernanceID is set while the phase is BLOCKED on approval.
	PendingGovernanceID string `json:"pending_governance_id,omitempty"`
	FailureReason       string `json:"failure_reason,omitempty"`
}

// Deliverable is one declared output of a phase, used for budget prediction.
type Deliverable struct {
	Type string `json:"type"` // "code", "test", "doc", "config"
	Path string `json:"path"`
}

// Attempt is one Builder→apply→verify→Auditor cycle for a phase.
type Attempt struct {
	Index           int          `json:"index"`
	PhaseID         string       `json:"phase_id"`
	BuilderProvider string       `json:"builder_provider"`
	BuilderModel    string       `json:"builder_model"`
	AuditorProvider string       `json:"auditor_provider,omitempty"`
	AuditorModel    string       `json:"auditor_model,omitempty"`
	PromptTokens    int64        `json:"prompt_tokens"`
	OutputTokens    int64        `json:"output_tokens"`
	CostUSD         float64      `json:"cost_usd"`
	Outcome         OutcomeClass `json:"outcome"`
	Detail          string       `json:"detail,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at,omitzero"`
}

// TokenEstimationEvent records one estimator prediction against actual usage.
// Calibration data only; nothing in the control loop reads these back.
type TokenEstimationEvent struct {
	RunID           string     `json:"run_id"`
	PhaseID         string     `json:"phase_id"`
	Category        string     `json:"category"`
	Complexity      Complexity `json:"complexity"`
	PredictedBudget int        `json:"predicted_budget"`
	EnforcedCeiling int        `json:"enforced_ceiling"`
	ActualTokens    int64      `json:"actual_tokens"`
	Truncated       bool       `json:"truncated"`
	RecordedAt      time.Time  `json:"recorded_at"`
}

// NewRun creates a run with generated ID in pending state.
func NewRun(project string) *Run {
	return &Run{
		ID:        generateID("run"),
		Project:   project,
		State:     RunPending,
		CreatedAt: time.Now().UTC(),
	}
}

// NewPhase creates a queued phase bound to a run and tier.
func NewPhase(runID string, tierIndex int, title string) *Phase {
	return &Phase{
		ID:         generateID("phase"),
		RunID:      runID,
		TierIndex:  tierIndex,
		Title:      title,
		Complexity: ComplexityMedium,
		State:      PhaseQueued,
	}
}

// Transition moves the phase to the next state, enforcing the canonical map.
func (p *Phase) Transition(to PhaseState) error {
	if !IsValidPhaseTransition(p.State, to) {
		return fmt.Errorf("invalid phase transition %s -> %s for %s", p.State, to, p.ID)
	}
	p.State = to
	return nil
}

// Validate checks structural invariants on a phase before execution.
func (p *Phase) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("phase ID is required")
	}
	if p.RunID == "" {
		return fmt.Errorf("phase run_id is required")
	}
	if p.Category == "" {
		return fmt.Errorf("phase category is required")
	}
	if len(p.AllowedPaths) == 0 {
		return fmt.Errorf("phase %s declares no allowed paths", p.ID)
	}
	return nil
}

// PhaseByID returns the phase with the given ID, or nil.
func (r *Run) PhaseByID(id string) *Phase {
	for _, tier := range r.Tiers {
		for _, phase := range tier.Phases {
			if phase.ID == id {
				return phase
			}
		}
	}
	return nil
}

// AllResolved reports whether every phase in the run reached a resolved state.
func (r *Run) AllResolved() bool {
	for _, tier := range r.Tiers {
		for _, phase := range tier.Phases {
			if !phase.State.Resolved() {
				return false
			}
		}
	}
	return true
}

// RecalcClean recomputes the tier's clean flag: a tier is not clean if any
// contained phase ended with unresolved major issues or in NEEDS_REVIEW.
func (t *Tier) RecalcClean() {
	t.Clean = true
	for _, phase := range t.Phases {
		if phase.State == PhaseNeedsReview || phase.State == PhaseFailed {
			t.Clean = false
			return
		}
	}
	if t.MajorIssues > 0 {
		t.Clean = false
	}
}

// Duration wraps time.Duration with JSON string encoding ("45m", "2h").
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

// UnmarshalJSON accepts either a duration string or nanosecond integer.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return fmt.Errorf("invalid duration %s: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if _, err := fmt.Sscanf(s, "%d", &ns); err != nil {
		return fmt.Errorf("invalid duration %s: %w", s, err)
	}
	*d = Duration(ns)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func generateID(kind string) string {
	return fmt.Sprintf("%s_%s", kind, uuid.NewString()[:8])
}

// GenerateID creates a prefixed unique identifier for any record kind.
func GenerateID(kind string) string {
	return generateID(kind)
}
