package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"overseer/pkg/proto"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SaveRun inserts or replaces a run and its tiers and phases. Attempts are
// appended separately via RecordAttempt.
func (s *Store) SaveRun(run *proto.Run) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT OR REPLACE INTO runs
		(id, project, state, safety_profile, max_tokens, max_wall_clock_ns, max_attempts,
		 tokens_used, cost_usd, abort_requested, created_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Project, run.State.String(), run.SafetyProfile,
		run.MaxTokens, int64(run.MaxWallClock), run.MaxAttempts,
		run.TokensUsed, run.CostUSD, boolToInt(run.AbortRequested),
		run.CreatedAt, nullableTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}

	for _, tier := range run.Tiers {
		_, err = tx.Exec(`INSERT OR REPLACE INTO tiers (run_id, idx, name, clean, promoted)
			VALUES (?,?,?,?,?)`,
			run.ID, tier.Index, tier.Name, boolToInt(tier.Clean), boolToInt(tier.Promoted))
		if err != nil {
			return fmt.Errorf("failed to save tier %d: %w", tier.Index, err)
		}
		for _, phase := range tier.Phases {
			if err := savePhaseTx(tx, phase); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run save: %w", err)
	}
	return nil
}

func savePhaseTx(tx *sql.Tx, phase *proto.Phase) error {
	deliverables, err := json.Marshal(phase.Deliverables)
	if err != nil {
		return fmt.Errorf("failed to marshal deliverables for %s: %w", phase.ID, err)
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO phases
		(id, run_id, tier_idx, title, spec, category, complexity, deliverables,
		 allowed_paths, protected_paths, allow_growth, validation_command,
		 state, attempt_count, pending_governance_id, failure_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		phase.ID, phase.RunID, phase.TierIndex, phase.Title, phase.Spec,
		phase.Category, string(phase.Complexity), string(deliverables),
		strings.Join(phase.AllowedPaths, "\n"), strings.Join(phase.ProtectedPaths, "\n"),
		boolToInt(phase.AllowGrowth), phase.ValidationCommand,
		phase.State.String(), phase.AttemptCount, phase.PendingGovernanceID, phase.FailureReason)
	if err != nil {
		return fmt.Errorf("failed to save phase %s: %w", phase.ID, err)
	}
	return nil
}

// SavePhase upserts a single phase row.
func (s *Store) SavePhase(phase *proto.Phase) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := savePhaseTx(tx, phase); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit phase save: %w", err)
	}
	return nil
}

// LoadRun reconstructs a run with its tiers, phases and attempts.
func (s *Store) LoadRun(runID string) (*proto.Run, error) {
	run := &proto.Run{ID: runID}
	var state string
	var abortRequested int
	var wallClockNS int64
	var completedAt sql.NullTime

	err := s.db.QueryRow(`SELECT project, state, safety_profile, max_tokens,
		max_wall_clock_ns, max_attempts, tokens_used, cost_usd, abort_requested,
		created_at, completed_at FROM runs WHERE id = ?`, runID).Scan(
		&run.Project, &state, &run.SafetyProfile, &run.MaxTokens,
		&wallClockNS, &run.MaxAttempts, &run.TokensUsed, &run.CostUSD,
		&abortRequested, &run.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	run.State, err = proto.ParseRunState(state)
	if err != nil {
		return nil, fmt.Errorf("run %s has invalid state: %w", runID, err)
	}
	run.MaxWallClock = proto.Duration(wallClockNS)
	run.AbortRequested = abortRequested != 0
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time
	}

	if err := s.loadTiers(run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) loadTiers(run *proto.Run) error {
	rows, err := s.db.Query(`SELECT idx, name, clean, promoted FROM tiers
		WHERE run_id = ? ORDER BY idx`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load tiers for %s: %w", run.ID, err)
	}
	defer func() { _ = rows.Close() }()

	byIndex := make(map[int]*proto.Tier)
	for rows.Next() {
		tier := &proto.Tier{}
		var clean, promoted int
		if err := rows.Scan(&tier.Index, &tier.Name, &clean, &promoted); err != nil {
			return fmt.Errorf("failed to scan tier: %w", err)
		}
		tier.Clean = clean != 0
		tier.Promoted = promoted != 0
		run.Tiers = append(run.Tiers, tier)
		byIndex[tier.Index] = tier
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("tier rows error: %w", err)
	}

	phases, err := s.loadPhases(run.ID)
	if err != nil {
		return err
	}
	for _, phase := range phases {
		tier, ok := byIndex[phase.TierIndex]
		if !ok {
			return fmt.Errorf("phase %s references missing tier %d", phase.ID, phase.TierIndex)
		}
		tier.Phases = append(tier.Phases, phase)
	}
	return nil
}

func (s *Store) loadPhases(runID string) ([]*proto.Phase, error) {
	rows, err := s.db.Query(`SELECT id, tier_idx, title, spec, category, complexity,
		deliverables, allowed_paths, protected_paths, allow_growth, validation_command,
		state, attempt_count, pending_governance_id, failure_reason
		FROM phases WHERE run_id = ? ORDER BY tier_idx, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load phases for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var phases []*proto.Phase
	for rows.Next() {
		phase := &proto.Phase{RunID: runID}
		var complexity, deliverables, allowed, protected, state string
		var allowGrowth int
		err := rows.Scan(&phase.ID, &phase.TierIndex, &phase.Title, &phase.Spec,
			&phase.Category, &complexity, &deliverables, &allowed, &protected,
			&allowGrowth, &phase.ValidationCommand, &state, &phase.AttemptCount,
			&phase.PendingGovernanceID, &phase.FailureReason)
		if err != nil {
			return nil, fmt.Errorf("failed to scan phase: %w", err)
		}
		phase.Complexity = proto.ParseComplexity(complexity)
		phase.AllowGrowth = allowGrowth != 0
		if deliverables != "" {
			if err := json.Unmarshal([]byte(deliverables), &phase.Deliverables); err != nil {
				return nil, fmt.Errorf("phase %s has corrupt deliverables: %w", phase.ID, err)
			}
		}
		phase.AllowedPaths = splitLines(allowed)
		phase.ProtectedPaths = splitLines(protected)
		phase.State, err = proto.ParsePhaseState(state)
		if err != nil {
			return nil, fmt.Errorf("phase %s has invalid state: %w", phase.ID, err)
		}
		phases = append(phases, phase)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("phase rows error: %w", err)
	}
	return phases, nil
}

// ListUnfinishedRuns returns the IDs of runs that have not reached a terminal
// state, oldest first. Used to requeue interrupted runs on daemon start.
func (s *Store) ListUnfinishedRuns() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM runs WHERE state NOT IN (?, ?)
		ORDER BY created_at`,
		proto.RunSucceeded.String(), proto.RunFailed.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordAttempt appends one attempt row for a phase.
func (s *Store) RecordAttempt(attempt *proto.Attempt) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO attempts
		(phase_id, idx, builder_provider, builder_model, auditor_provider, auditor_model,
		 prompt_tokens, output_tokens, cost_usd, outcome, detail, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		attempt.PhaseID, attempt.Index, attempt.BuilderProvider, attempt.BuilderModel,
		attempt.AuditorProvider, attempt.AuditorModel, attempt.PromptTokens,
		attempt.OutputTokens, attempt.CostUSD, attempt.Outcome.String(), attempt.Detail,
		attempt.StartedAt, nullableTime(attempt.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to record attempt %d for %s: %w", attempt.Index, attempt.PhaseID, err)
	}
	return nil
}

// UpsertIssue inserts an issue into the run-level dedup index or bumps the
// occurrence count of the existing row with the same key.
func (s *Store) UpsertIssue(runID string, issue *proto.Issue) error {
	_, err := s.db.Exec(`INSERT INTO issues
		(run_id, key, category, scope_path, symptom, message, severity,
		 effective_severity, source, occurrences, first_seen_run, last_seen_run, last_seen_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id, key) DO UPDATE SET
			occurrences = occurrences + 1,
			message = excluded.message,
			effective_severity = excluded.effective_severity,
			last_seen_run = excluded.last_seen_run,
			last_seen_at = excluded.last_seen_at`,
		runID, issue.Key, issue.Category, issue.ScopePath, issue.Symptom,
		issue.Message, issue.Severity.String(), issue.EffectiveSeverity.String(),
		string(issue.Source), issue.Occurrences, runID, runID, issue.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert issue %s: %w", issue.Key, err)
	}
	return nil
}

// ListIssues returns the deduplicated issue index for a run.
func (s *Store) ListIssues(runID string) ([]*proto.Issue, error) {
	rows, err := s.db.Query(`SELECT key, category, scope_path, symptom, message,
		severity, effective_severity, source, occurrences, first_seen_run,
		last_seen_run, last_seen_at FROM issues WHERE run_id = ? ORDER BY key`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*proto.Issue
	for rows.Next() {
		issue := &proto.Issue{}
		var severity, effective, source string
		err := rows.Scan(&issue.Key, &issue.Category, &issue.ScopePath, &issue.Symptom,
			&issue.Message, &severity, &effective, &source, &issue.Occurrences,
			&issue.FirstSeenRun, &issue.LastSeenRun, &issue.LastSeenAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issue.Severity = proto.ParseSeverity(severity)
		issue.EffectiveSeverity = proto.ParseSeverity(effective)
		issue.Source = proto.IssueSource(source)
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("issue rows error: %w", err)
	}
	return issues, nil
}

// SaveGovernanceRequest persists a governance request (new or resolved).
func (s *Store) SaveGovernanceRequest(req *proto.GovernanceRequest) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO governance_requests
		(id, run_id, phase_id, paths, reason, status, approver, requested_at, resolved_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		req.ID, req.RunID, req.PhaseID, strings.Join(req.Paths, "\n"), req.Reason,
		req.Status.String(), req.Approver, req.RequestedAt, nullableTime(req.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to save governance request %s: %w", req.ID, err)
	}
	return nil
}

// GetGovernanceRequest loads one governance request by ID.
func (s *Store) GetGovernanceRequest(id string) (*proto.GovernanceRequest, error) {
	req := &proto.GovernanceRequest{ID: id}
	var paths, status string
	var resolvedAt sql.NullTime
	err := s.db.QueryRow(`SELECT run_id, phase_id, paths, reason, status, approver,
		requested_at, resolved_at FROM governance_requests WHERE id = ?`, id).Scan(
		&req.RunID, &req.PhaseID, &paths, &req.Reason, &status, &req.Approver,
		&req.RequestedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("governance request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load governance request %s: %w", id, err)
	}
	req.Paths = splitLines(paths)
	req.Status, err = proto.ParseGovernanceStatus(status)
	if err != nil {
		return nil, fmt.Errorf("governance request %s has invalid status: %w", id, err)
	}
	if resolvedAt.Valid {
		req.ResolvedAt = resolvedAt.Time
	}
	return req, nil
}

// ListPendingGovernance returns unresolved governance requests for a run.
func (s *Store) ListPendingGovernance(runID string) ([]*proto.GovernanceRequest, error) {
	rows, err := s.db.Query(`SELECT id FROM governance_requests
		WHERE run_id = ? AND status = 'PENDING' ORDER BY requested_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending governance for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan governance id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("governance rows error: %w", err)
	}

	out := make([]*proto.GovernanceRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.GetGovernanceRequest(id)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// ApprovedGovernancePaths returns every path granted to a phase by an
// approved governance request. Allowances survive process restarts through
// this query.
func (s *Store) ApprovedGovernancePaths(phaseID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT paths FROM governance_requests
		WHERE phase_id = ? AND status = 'APPROVED' ORDER BY requested_at`, phaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved paths for %s: %w", phaseID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var paths string
		if err := rows.Scan(&paths); err != nil {
			return nil, fmt.Errorf("failed to scan approved paths: %w", err)
		}
		out = append(out, splitLines(paths)...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("governance rows error: %w", err)
	}
	return out, nil
}

// RecordEstimationEvent appends one token estimation calibration event.
func (s *Store) RecordEstimationEvent(event *proto.TokenEstimationEvent) error {
	_, err := s.db.Exec(`INSERT INTO estimation_events
		(run_id, phase_id, category, complexity, predicted_budget, enforced_ceiling,
		 actual_tokens, truncated, recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		event.RunID, event.PhaseID, event.Category, string(event.Complexity),
		event.PredictedBudget, event.EnforcedCeiling, event.ActualTokens,
		boolToInt(event.Truncated), event.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to record estimation event: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
