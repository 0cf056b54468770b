package proto

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Severity classifies how serious an issue is as reported by its source.
type Severity string

const (
	// SeverityMinor marks issues that do not block a phase on their own.
	SeverityMinor Severity = "minor"
	// SeverityMajor marks issues that drive gate decisions.
	SeverityMajor Severity = "major"
)

// ParseSeverity parses a severity string, defaulting to minor.
func ParseSeverity(s string) Severity {
	if strings.EqualFold(s, string(SeverityMajor)) {
		return SeverityMajor
	}
	return SeverityMinor
}

// String returns the string representation of Severity.
func (s Severity) String() string {
	return string(s)
}

// IssueSource identifies which subsystem reported an issue.
type IssueSource string

const (
	// SourceAuditor marks findings from the review agent.
	SourceAuditor IssueSource = "auditor"
	// SourceGuardrail marks patch-engine guardrail trips.
	SourceGuardrail IssueSource = "guardrail"
	// SourceCI marks verification failures.
	SourceCI IssueSource = "ci"
	// SourceGovernance marks protected-path policy findings.
	SourceGovernance IssueSource = "governance"
)

// Issue is a defect or guardrail trip. Issues are deduplicated per run by Key
// and aged across runs at project scope.
type Issue struct {
	Key string `json:"key"`

	Category string `json:"category"`
	// ScopePath is the file or directory the issue is anchored to.
	ScopePath string `json:"scope_path"`
	// Symptom is a stable symptom class ("truncation", "growth-exceeded",
	// "new-test-failure", ...), not free-form text.
	Symptom string      `json:"symptom"`
	Message string      `json:"message,omitempty"`
	Severity Severity   `json:"severity"`
	// EffectiveSeverity may be aged upward across runs; Severity never mutates.
	EffectiveSeverity Severity    `json:"effective_severity"`
	Source            IssueSource `json:"source"`

	Occurrences  int    `json:"occurrences"`
	RunsSeen     int    `json:"runs_seen"`
	TiersSeen    int    `json:"tiers_seen"`
	FirstSeenRun string `json:"first_seen_run"`
	LastSeenRun  string `json:"last_seen_run"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// IssueKey computes the stable deduplication key for (category, scope, symptom).
// The key is a truncated sha256 so it stays stable across runs and processes.
func IssueKey(category, scopePath, symptom string) string {
	h := sha256.Sum256([]byte(category + "\x00" + scopePath + "\x00" + symptom))
	return fmt.Sprintf("%x", h)[:16]
}

// NewIssue creates an issue with its key derived from the identity fields.
func NewIssue(category, scopePath, symptom string, severity Severity, source IssueSource) *Issue {
	return &Issue{
		Key:               IssueKey(category, scopePath, symptom),
		Category:          category,
		ScopePath:         scopePath,
		Symptom:           symptom,
		Severity:          severity,
		EffectiveSeverity: severity,
		Source:            source,
		Occurrences:       1,
		LastSeenAt:        time.Now().UTC(),
	}
}

// IsEffectiveMajor reports whether the issue should be treated as major,
// either by original severity or by cross-run aging.
func (i *Issue) IsEffectiveMajor() bool {
	return i.EffectiveSeverity == SeverityMajor
}

// LearnedRule is a persisted constraint promoted from recurring issues. Rules
// are written at run end and read at every matching-category agent call.
type LearnedRule struct {
	Key        string    `json:"key"`
	Category   string    `json:"category"`
	Constraint string    `json:"constraint"`
	Promotions int       `json:"promotions"`
	SourceHints int      `json:"source_hints"`
	UpdatedAt  time.Time `json:"updated_at"`
}
