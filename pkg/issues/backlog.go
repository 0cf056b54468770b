package issues

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"overseer/pkg/proto"
	"overseer/pkg/utils"
)

// agingRunThreshold is the number of distinct runs a minor issue must recur in
// before it is treated as major. Original severity is never mutated; only
// EffectiveSeverity ages.
const agingRunThreshold = 3

// agingTierThreshold ages an issue that spread across this many tiers of a
// single run, even before it recurs across runs.
const agingTierThreshold = 3

// Backlog is the project-scoped issue history persisted across runs as a JSON
// document with atomic replacement.
type Backlog struct {
	mu      sync.Mutex
	path    string
	entries map[string]*proto.Issue
}

// LoadBacklog reads the backlog file, returning an empty backlog when the
// file does not exist yet.
func LoadBacklog(path string) (*Backlog, error) {
	b := &Backlog{path: path, entries: make(map[string]*proto.Issue)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog %s: %w", path, err)
	}

	var list []*proto.Issue
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse backlog %s: %w", path, err)
	}
	for _, issue := range list {
		b.entries[issue.Key] = issue
	}
	return b, nil
}

// Absorb merges a finished run's deduplicated issues into the backlog and
// ages recurring entries. Each issue counts the run once regardless of its
// per-run occurrence count.
func (b *Backlog) Absorb(runID string, issues []*proto.Issue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, issue := range issues {
		existing, ok := b.entries[issue.Key]
		if !ok {
			copied := *issue
			copied.RunsSeen = 1
			copied.FirstSeenRun = runID
			copied.LastSeenRun = runID
			b.entries[issue.Key] = &copied
			continue
		}
		if existing.LastSeenRun != runID {
			existing.RunsSeen++
		}
		if issue.TiersSeen > existing.TiersSeen {
			existing.TiersSeen = issue.TiersSeen
		}
		existing.Occurrences += issue.Occurrences
		existing.LastSeenRun = runID
		existing.LastSeenAt = time.Now().UTC()
		if issue.Severity == proto.SeverityMajor {
			existing.Severity = proto.SeverityMajor
		}
	}

	b.ageLocked()
}

// ageLocked upgrades EffectiveSeverity for entries that recur across runs or
// spread across tiers.
func (b *Backlog) ageLocked() {
	for _, issue := range b.entries {
		if issue.Severity == proto.SeverityMajor {
			issue.EffectiveSeverity = proto.SeverityMajor
			continue
		}
		if issue.RunsSeen >= agingRunThreshold || issue.TiersSeen >= agingTierThreshold {
			issue.EffectiveSeverity = proto.SeverityMajor
		}
	}
}

// Get returns the backlog entry for a key, or nil.
func (b *Backlog) Get(key string) *proto.Issue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[key]
}

// EffectiveMajors returns entries currently treated as major, sorted by key.
func (b *Backlog) EffectiveMajors() []*proto.Issue {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*proto.Issue
	for _, issue := range b.entries {
		if issue.IsEffectiveMajor() {
			out = append(out, issue)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// All returns every backlog entry sorted by key.
func (b *Backlog) All() []*proto.Issue {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*proto.Issue, 0, len(b.entries))
	for _, issue := range b.entries {
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Save writes the backlog atomically so a crashed writer never leaves a
// half-written document.
func (b *Backlog) Save() error {
	b.mu.Lock()
	list := make([]*proto.Issue, 0, len(b.entries))
	for _, issue := range b.entries {
		list = append(list, issue)
	}
	b.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backlog: %w", err)
	}
	if err := utils.WriteFileAtomic(b.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write backlog: %w", err)
	}
	return nil
}
