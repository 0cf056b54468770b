// Package issues tracks defects per run, ages them across runs and promotes
// recurring ones into learned rules injected back into agent prompts.
package issues

import (
	"sync"
	"time"

	"overseer/pkg/logx"
	"overseer/pkg/persistence"
	"overseer/pkg/proto"
)

// Tracker is the per-run deduplicated issue index. Issues with the same key
// (category, scope, symptom) collapse into one entry with a bumped occurrence
// count, both in memory and in the database.
type Tracker struct {
	mu     sync.Mutex
	runID  string
	store  *persistence.Store
	seen   map[string]*proto.Issue
	tiers  map[string]map[int]bool
	logger *logx.Logger
}

// NewTracker creates a tracker for one run. store may be nil in tests.
func NewTracker(runID string, store *persistence.Store) *Tracker {
	return &Tracker{
		runID:  runID,
		store:  store,
		seen:   make(map[string]*proto.Issue),
		tiers:  make(map[string]map[int]bool),
		logger: logx.NewLogger("issues"),
	}
}

// Record registers an issue occurrence in the given tier. Returns the
// deduplicated entry.
func (t *Tracker) Record(issue *proto.Issue, tierIndex int) (*proto.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.seen[issue.Key]
	if ok {
		existing.Occurrences++
		existing.LastSeenAt = time.Now().UTC()
		if issue.Severity == proto.SeverityMajor {
			existing.Severity = proto.SeverityMajor
			existing.EffectiveSeverity = proto.SeverityMajor
		}
	} else {
		copied := *issue
		copied.Occurrences = 1
		copied.FirstSeenRun = t.runID
		copied.LastSeenRun = t.runID
		copied.RunsSeen = 1
		copied.LastSeenAt = time.Now().UTC()
		existing = &copied
		t.seen[issue.Key] = existing
	}

	if t.tiers[issue.Key] == nil {
		t.tiers[issue.Key] = make(map[int]bool)
	}
	if !t.tiers[issue.Key][tierIndex] {
		t.tiers[issue.Key][tierIndex] = true
		existing.TiersSeen = len(t.tiers[issue.Key])
	}

	if t.store != nil {
		if err := t.store.UpsertIssue(t.runID, existing); err != nil {
			return existing, err
		}
	}
	return existing, nil
}

// Issues returns the deduplicated entries recorded so far.
func (t *Tracker) Issues() []*proto.Issue {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*proto.Issue, 0, len(t.seen))
	for _, issue := range t.seen {
		out = append(out, issue)
	}
	return out
}

// TierCounts returns total and major issue counts for one tier.
func (t *Tracker) TierCounts(tierIndex int) (total, major int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, tiers := range t.tiers {
		if !tiers[tierIndex] {
			continue
		}
		total++
		if t.seen[key].IsEffectiveMajor() {
			major++
		}
	}
	return total, major
}
