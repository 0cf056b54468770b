// Package eventlog appends control-plane incidents to daily rotated JSONL
// files. Incidents are the audit trail of a run: attempt outcomes, rollbacks,
// escalations, governance decisions.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"overseer/pkg/proto"
)

// Kind classifies an incident record.
type Kind string

const (
	KindAttempt    Kind = "attempt"
	KindRollback   Kind = "rollback"
	KindEscalation Kind = "escalation"
	KindGovernance Kind = "governance"
	KindPromotion  Kind = "promotion"
	KindRunState   Kind = "run_state"
	KindBudget     Kind = "budget"
)

// Incident is one audit record.
type Incident struct {
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	RunID   string    `json:"run_id"`
	PhaseID string    `json:"phase_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`

	Outcome proto.OutcomeClass `json:"outcome,omitempty"`
	Issue   *proto.Issue       `json:"issue,omitempty"`
}

// Writer appends incidents to daily rotated JSONL files under one directory.
type Writer struct {
	mu          sync.Mutex
	logDir      string
	currentFile *os.File
	currentDate string
}

// NewWriter creates a writer rooted at logDir, creating the directory and the
// current day's file.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return w, nil
}

// Write appends one incident, stamping the time if unset.
func (w *Writer) Write(inc *Incident) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	if inc.Time.IsZero() {
		inc.Time = time.Now().UTC()
	}
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to serialize incident: %w", err)
	}
	data = append(data, '\n')

	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write incident: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	date := time.Now().UTC().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}
	return w.rotate(date)
}

func (w *Writer) rotate(date string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("incidents-%s.jsonl", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = date
	return nil
}

// CurrentFile returns the path of the active log file.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("incidents-%s.jsonl", w.currentDate))
}

// Close closes the active log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log file: %w", err)
	}
	return nil
}

// ReadIncidents parses every incident in one log file.
func ReadIncidents(path string) ([]*Incident, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	var incidents []*Incident
	start := 0
	for i := 0; i <= len(data); i++ {
		if i != len(data) && data[i] != '\n' {
			continue
		}
		line := data[start:i]
		start = i + 1
		if len(line) == 0 {
			continue
		}
		var inc Incident
		if err := json.Unmarshal(line, &inc); err != nil {
			return nil, fmt.Errorf("failed to parse incident: %w", err)
		}
		incidents = append(incidents, &inc)
	}
	return incidents, nil
}

// ListLogFiles returns the incident files in a directory.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "incidents-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	return files, nil
}
