// Package proto defines the shared data model for the control plane: runs,
// tiers, phases, attempts, issues, learned rules and governance requests.
package proto

import (
	"fmt"
	"strings"
)

// PhaseState represents the lifecycle state of a phase.
type PhaseState string

const (
	// PhaseQueued indicates the phase is waiting to be picked up.
	PhaseQueued PhaseState = "QUEUED"

	// PhaseExecuting indicates a Builder/apply/verify/Auditor cycle is in flight.
	PhaseExecuting PhaseState = "EXECUTING"

	// PhaseGate indicates attempt outputs are being combined into an outcome.
	PhaseGate PhaseState = "GATE"

	// PhaseCIRunning indicates verification is running against the workspace.
	PhaseCIRunning PhaseState = "CI_RUNNING"

	// PhaseBlocked indicates the phase is suspended on a pending governance request.
	PhaseBlocked PhaseState = "BLOCKED"

	// PhaseComplete indicates the phase finished with a clean gate decision.
	PhaseComplete PhaseState = "COMPLETE"

	// PhaseNeedsReview indicates the phase finished but carries unresolved
	// Auditor findings. It does not block the run loop but blocks tier promotion.
	PhaseNeedsReview PhaseState = "NEEDS_REVIEW"

	// PhaseFailed indicates the phase failed; re-enters EXECUTING until
	// max_attempts is exhausted.
	PhaseFailed PhaseState = "FAILED"
)

// PhaseTransitions is the canonical transition map for phase lifecycle states.
// It is the single source of truth; orchestrator code and tests must match it.
var PhaseTransitions = map[PhaseState][]PhaseState{
	PhaseQueued:    {PhaseExecuting},
	PhaseExecuting: {PhaseGate, PhaseBlocked, PhaseFailed},
	PhaseGate:      {PhaseCIRunning, PhaseComplete, PhaseNeedsReview, PhaseFailed},
	PhaseCIRunning: {PhaseGate, PhaseFailed},
	// BLOCKED resumes the same attempt on approval or fails on denial.
	PhaseBlocked: {PhaseExecuting, PhaseFailed},
	// FAILED re-enters EXECUTING on retry; terminal once attempts are exhausted.
	PhaseFailed:      {PhaseExecuting},
	PhaseComplete:    {},
	PhaseNeedsReview: {},
}

// IsValidPhaseTransition reports whether from→to is allowed by the canonical map.
func IsValidPhaseTransition(from, to PhaseState) bool {
	for _, next := range PhaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state admits no further transitions.
func (s PhaseState) IsTerminal() bool {
	return len(PhaseTransitions[s]) == 0
}

// Resolved reports whether the phase counts as resolved for run progression.
// NEEDS_REVIEW is resolved for the loop but still blocks tier promotion.
func (s PhaseState) Resolved() bool {
	return s == PhaseComplete || s == PhaseNeedsReview
}

// String returns the string representation of PhaseState.
func (s PhaseState) String() string {
	return string(s)
}

// ParsePhaseState parses a string into a PhaseState with validation.
func ParsePhaseState(s string) (PhaseState, error) {
	state := PhaseState(strings.ToUpper(s))
	if _, ok := PhaseTransitions[state]; !ok {
		return "", fmt.Errorf("unknown phase state: %s", s)
	}
	return state, nil
}

// RunState represents the lifecycle state of a run.
type RunState string

const (
	// RunPending indicates the run was created but no executor holds its lock.
	RunPending RunState = "PENDING"

	// RunExecuting indicates an executor owns the run and is polling phases.
	RunExecuting RunState = "EXECUTING"

	// RunAborting indicates the run was marked for cooperative abort.
	RunAborting RunState = "ABORTING"

	// RunSucceeded indicates every phase resolved and every tier was processed.
	RunSucceeded RunState = "SUCCEEDED"

	// RunFailed indicates attempt exhaustion or a cap breach ended the run.
	RunFailed RunState = "FAILED"
)

// String returns the string representation of RunState.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal reports whether the run state is terminal.
func (s RunState) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// ParseRunState parses a string into a RunState with validation.
func ParseRunState(s string) (RunState, error) {
	switch state := RunState(strings.ToUpper(s)); state {
	case RunPending, RunExecuting, RunAborting, RunSucceeded, RunFailed:
		return state, nil
	default:
		return "", fmt.Errorf("unknown run state: %s", s)
	}
}

// OutcomeClass classifies how a single attempt ended.
type OutcomeClass string

const (
	// OutcomeSuccess indicates the attempt passed the quality gate.
	OutcomeSuccess OutcomeClass = "success"

	// OutcomePatchCorrupted indicates the patch engine rolled back a corrupt apply.
	OutcomePatchCorrupted OutcomeClass = "patch-corrupted"

	// OutcomeCIFailed indicates verification introduced new failures.
	OutcomeCIFailed OutcomeClass = "ci-failed"

	// OutcomeAuditorRejected indicates the Auditor rejected with a major finding.
	OutcomeAuditorRejected OutcomeClass = "auditor-rejected"

	// OutcomeInfraError indicates a network/timeout failure outside attempt budget.
	OutcomeInfraError OutcomeClass = "infra-error"

	// OutcomeGovernanceBlocked indicates the attempt is suspended on approval.
	OutcomeGovernanceBlocked OutcomeClass = "governance-blocked"
)

// String returns the string representation of OutcomeClass.
func (c OutcomeClass) String() string {
	return string(c)
}

// ConsumesAttempt reports whether this outcome consumes the phase attempt budget.
// Infra errors and governance suspensions do not.
func (c OutcomeClass) ConsumesAttempt() bool {
	return c != OutcomeInfraError && c != OutcomeGovernanceBlocked
}

// Complexity is the declared complexity of a phase.
type Complexity string

const (
	// ComplexityLow marks small, well-bounded work.
	ComplexityLow Complexity = "low"
	// ComplexityMedium marks typical work units.
	ComplexityMedium Complexity = "medium"
	// ComplexityHigh marks work that should start on stronger models.
	ComplexityHigh Complexity = "high"
)

// ParseComplexity parses a string into a Complexity, defaulting unknown values
// to medium rather than erroring; plans come from an external front door.
func ParseComplexity(s string) Complexity {
	switch Complexity(strings.ToLower(s)) {
	case ComplexityLow:
		return ComplexityLow
	case ComplexityHigh:
		return ComplexityHigh
	default:
		return ComplexityMedium
	}
}

// String returns the string representation of Complexity.
func (c Complexity) String() string {
	return string(c)
}

// Role identifies which agent a model call is routed for.
type Role string

const (
	// RoleBuilder is the code-generation agent producing patches.
	RoleBuilder Role = "builder"
	// RoleAuditor is the review agent producing approve/reject plus issues.
	RoleAuditor Role = "auditor"
)

// String returns the string representation of Role.
func (r Role) String() string {
	return string(r)
}
