package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/pkg/proto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "overseer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRun() *proto.Run {
	run := proto.NewRun("demo")
	run.MaxTokens = 500_000
	run.MaxWallClock = proto.Duration(2 * time.Hour)
	run.MaxAttempts = 4

	phase := proto.NewPhase(run.ID, 0, "add retry to fetcher")
	phase.Category = "codegen"
	phase.AllowedPaths = []string{"internal/fetch/"}
	phase.ProtectedPaths = []string{"migrations/"}
	phase.Deliverables = []proto.Deliverable{
		{Type: "code", Path: "internal/fetch/retry.go"},
		{Type: "test", Path: "internal/fetch/retry_test.go"},
	}

	run.Tiers = []*proto.Tier{{Index: 0, Name: "core", Clean: true, Phases: []*proto.Phase{phase}}}
	return run
}

func TestSaveAndLoadRunRoundTrip(t *testing.T) {
	store := openTestStore(t)
	run := sampleRun()
	require.NoError(t, store.SaveRun(run))

	loaded, err := store.LoadRun(run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.Project, loaded.Project)
	assert.Equal(t, proto.RunPending, loaded.State)
	assert.Equal(t, run.MaxWallClock, loaded.MaxWallClock)
	require.Len(t, loaded.Tiers, 1)
	require.Len(t, loaded.Tiers[0].Phases, 1)

	phase := loaded.Tiers[0].Phases[0]
	assert.Equal(t, "codegen", phase.Category)
	assert.Equal(t, proto.PhaseQueued, phase.State)
	assert.Equal(t, []string{"internal/fetch/"}, phase.AllowedPaths)
	require.Len(t, phase.Deliverables, 2)
	assert.Equal(t, "test", phase.Deliverables[1].Type)
}

func TestLoadRunNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LoadRun("run_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSavePhaseUpdatesState(t *testing.T) {
	store := openTestStore(t)
	run := sampleRun()
	require.NoError(t, store.SaveRun(run))

	phase := run.Tiers[0].Phases[0]
	require.NoError(t, phase.Transition(proto.PhaseExecuting))
	phase.AttemptCount = 1
	require.NoError(t, store.SavePhase(phase))

	loaded, err := store.LoadRun(run.ID)
	require.NoError(t, err)
	got := loaded.Tiers[0].Phases[0]
	assert.Equal(t, proto.PhaseExecuting, got.State)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestRecordAttempt(t *testing.T) {
	store := openTestStore(t)
	run := sampleRun()
	require.NoError(t, store.SaveRun(run))

	attempt := &proto.Attempt{
		Index:           0,
		PhaseID:         run.Tiers[0].Phases[0].ID,
		BuilderProvider: "anthropic",
		BuilderModel:    "claude-sonnet-4-5",
		PromptTokens:    12000,
		OutputTokens:    3000,
		Outcome:         proto.OutcomeCIFailed,
		Detail:          "2 new test failures",
		StartedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.RecordAttempt(attempt))

	// Replacing the same (phase, idx) is allowed for finish-time updates.
	attempt.FinishedAt = time.Now().UTC()
	require.NoError(t, store.RecordAttempt(attempt))
}

func TestUpsertIssueDeduplicates(t *testing.T) {
	store := openTestStore(t)
	run := sampleRun()
	require.NoError(t, store.SaveRun(run))

	issue := proto.NewIssue("codegen", "internal/fetch/retry.go", "truncation",
		proto.SeverityMinor, proto.SourceGuardrail)
	require.NoError(t, store.UpsertIssue(run.ID, issue))
	require.NoError(t, store.UpsertIssue(run.ID, issue))
	require.NoError(t, store.UpsertIssue(run.ID, issue))

	issues, err := store.ListIssues(run.ID)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, 3, issues[0].Occurrences)
	assert.Equal(t, issue.Key, issues[0].Key)
	assert.Equal(t, proto.SeverityMinor, issues[0].EffectiveSeverity)
}

func TestUpsertIssueDistinctKeys(t *testing.T) {
	store := openTestStore(t)
	run := sampleRun()
	require.NoError(t, store.SaveRun(run))

	a := proto.NewIssue("codegen", "a.go", "truncation", proto.SeverityMinor, proto.SourceGuardrail)
	b := proto.NewIssue("codegen", "b.go", "truncation", proto.SeverityMajor, proto.SourceAuditor)
	require.NoError(t, store.UpsertIssue(run.ID, a))
	require.NoError(t, store.UpsertIssue(run.ID, b))

	issues, err := store.ListIssues(run.ID)
	require.NoError(t, err)
	assert.Len(t, issues, 2)
}

func TestGovernanceLifecycle(t *testing.T) {
	store := openTestStore(t)

	req := proto.NewGovernanceRequest("run_1", "phase_1", []string{"migrations/0007.sql"}, "schema change")
	require.NoError(t, store.SaveGovernanceRequest(req))

	pending, err := store.ListPendingGovernance("run_1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)
	assert.Equal(t, []string{"migrations/0007.sql"}, pending[0].Paths)

	req.Status = proto.GovernanceApproved
	req.Approver = "ops@example.com"
	req.ResolvedAt = time.Now().UTC()
	require.NoError(t, store.SaveGovernanceRequest(req))

	pending, err = store.ListPendingGovernance("run_1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	loaded, err := store.GetGovernanceRequest(req.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.GovernanceApproved, loaded.Status)
	assert.False(t, loaded.ResolvedAt.IsZero())
}

func TestRecordEstimationEvent(t *testing.T) {
	store := openTestStore(t)
	event := &proto.TokenEstimationEvent{
		RunID:           "run_1",
		PhaseID:         "phase_1",
		Category:        "codegen",
		Complexity:      proto.ComplexityMedium,
		PredictedBudget: 8192,
		EnforcedCeiling: 16384,
		ActualTokens:    5100,
		RecordedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.RecordEstimationEvent(event))
}

func TestSchemaVersionPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overseer.db")

	store, err := Open(path)
	require.NoError(t, err)
	version, err := GetSchemaVersion(store.DB())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	require.NoError(t, store.Close())

	// Reopen is a no-op migration.
	store, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
