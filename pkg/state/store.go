// Package state persists per-run JSON summaries next to the project workspace.
// The database is the source of truth; these files exist so operators can
// inspect a run with nothing but a text editor.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"overseer/pkg/proto"
	"overseer/pkg/utils"
)

// RunSummary is the operator-facing snapshot written after every phase change.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Project     string    `json:"project"`
	State       string    `json:"state"`
	TokensUsed  int64     `json:"tokens_used"`
	CostUSD     float64   `json:"cost_usd"`
	Tiers       []TierSummary `json:"tiers"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TierSummary is the per-tier slice of a run summary.
type TierSummary struct {
	Index    int            `json:"index"`
	Name     string         `json:"name,omitempty"`
	Clean    bool           `json:"clean"`
	Promoted bool           `json:"promoted"`
	Phases   []PhaseSummary `json:"phases"`
}

// PhaseSummary is the per-phase slice of a run summary.
type PhaseSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Category     string `json:"category"`
	State        string `json:"state"`
	AttemptCount int    `json:"attempt_count"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Store writes run summaries under a base directory, one subdirectory per run.
type Store struct {
	baseDir string
}

// NewStore creates the base directory if needed and returns a store.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// SaveRun writes the summary for a run atomically. The run directory is
// recreated if something removed it mid-run.
func (s *Store) SaveRun(run *proto.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run with ID is required")
	}

	summary := summarize(run)
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary for run %s: %w", run.ID, err)
	}

	dir := s.runDir(run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory %s: %w", dir, err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(dir, "summary.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary for run %s: %w", run.ID, err)
	}
	return nil
}

// LoadRun reads a previously written summary. Missing summaries are not an
// error; callers fall back to the database.
func (s *Store) LoadRun(runID string) (*RunSummary, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}

	path := filepath.Join(s.runDir(runID), "summary.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read summary for run %s: %w", runID, err)
	}

	var summary RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary for run %s: %w", runID, err)
	}
	return &summary, nil
}

// ListRuns returns the run IDs that have summaries on disk.
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

func summarize(run *proto.Run) *RunSummary {
	summary := &RunSummary{
		RunID:      run.ID,
		Project:    run.Project,
		State:      run.State.String(),
		TokensUsed: run.TokensUsed,
		CostUSD:    run.CostUSD,
		UpdatedAt:  time.Now().UTC(),
	}
	for _, tier := range run.Tiers {
		ts := TierSummary{
			Index:    tier.Index,
			Name:     tier.Name,
			Clean:    tier.Clean,
			Promoted: tier.Promoted,
		}
		for _, phase := range tier.Phases {
			ts.Phases = append(ts.Phases, PhaseSummary{
				ID:            phase.ID,
				Title:         phase.Title,
				Category:      phase.Category,
				State:         phase.State.String(),
				AttemptCount:  phase.AttemptCount,
				FailureReason: phase.FailureReason,
			})
		}
		summary.Tiers = append(summary.Tiers, ts)
	}
	return summary
}
