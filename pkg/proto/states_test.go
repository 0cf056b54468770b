package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	cases := []struct {
		from, to PhaseState
		valid    bool
	}{
		{PhaseQueued, PhaseExecuting, true},
		{PhaseExecuting, PhaseGate, true},
		{PhaseExecuting, PhaseBlocked, true},
		{PhaseGate, PhaseCIRunning, true},
		{PhaseCIRunning, PhaseGate, true},
		{PhaseGate, PhaseComplete, true},
		{PhaseGate, PhaseNeedsReview, true},
		{PhaseFailed, PhaseExecuting, true}, // retry edge
		{PhaseBlocked, PhaseExecuting, true},
		{PhaseBlocked, PhaseFailed, true},
		{PhaseQueued, PhaseComplete, false},
		{PhaseComplete, PhaseExecuting, false},
		{PhaseNeedsReview, PhaseExecuting, false},
		{PhaseExecuting, PhaseQueued, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.valid, IsValidPhaseTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestPhaseTransitionEnforced(t *testing.T) {
	phase := NewPhase("run_1", 0, "add parser")
	require.Equal(t, PhaseQueued, phase.State)

	require.NoError(t, phase.Transition(PhaseExecuting))
	require.NoError(t, phase.Transition(PhaseGate))
	require.NoError(t, phase.Transition(PhaseComplete))

	err := phase.Transition(PhaseExecuting)
	require.Error(t, err, "COMPLETE is terminal")
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, PhaseComplete.IsTerminal())
	assert.True(t, PhaseNeedsReview.IsTerminal())
	assert.False(t, PhaseFailed.IsTerminal(), "FAILED can retry")
	assert.False(t, PhaseExecuting.IsTerminal())
}

func TestResolvedStates(t *testing.T) {
	assert.True(t, PhaseComplete.Resolved())
	assert.True(t, PhaseNeedsReview.Resolved())
	assert.False(t, PhaseFailed.Resolved())
	assert.False(t, PhaseBlocked.Resolved())
}

func TestParsePhaseState(t *testing.T) {
	state, err := ParsePhaseState("ci_running")
	require.NoError(t, err)
	assert.Equal(t, PhaseCIRunning, state)

	_, err = ParsePhaseState("bogus")
	assert.Error(t, err)
}

func TestOutcomeConsumesAttempt(t *testing.T) {
	assert.True(t, OutcomePatchCorrupted.ConsumesAttempt())
	assert.True(t, OutcomeCIFailed.ConsumesAttempt())
	assert.True(t, OutcomeAuditorRejected.ConsumesAttempt())
	assert.False(t, OutcomeInfraError.ConsumesAttempt())
	assert.False(t, OutcomeGovernanceBlocked.ConsumesAttempt())
}

func TestIssueKeyStable(t *testing.T) {
	k1 := IssueKey("codegen", "pkg/parser", "truncation")
	k2 := IssueKey("codegen", "pkg/parser", "truncation")
	k3 := IssueKey("codegen", "pkg/parser", "growth-exceeded")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 16)
}

func TestTierRecalcClean(t *testing.T) {
	tier := &Tier{Phases: []*Phase{
		{State: PhaseComplete},
		{State: PhaseComplete},
	}}
	tier.RecalcClean()
	assert.True(t, tier.Clean)

	tier.Phases[1].State = PhaseNeedsReview
	tier.RecalcClean()
	assert.False(t, tier.Clean, "NEEDS_REVIEW phases mark the tier not clean")
}
