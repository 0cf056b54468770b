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

// promoteOccurrenceThreshold promotes an issue into a learned rule once it
// recurred this many times within a single run.
const promoteOccurrenceThreshold = 2

// RuleBook is the learned-rules document. Readers get copies; writers replace
// the whole file atomically at run end, so a run in flight never sees a
// half-updated document.
type RuleBook struct {
	mu    sync.RWMutex
	path  string
	rules map[string]*proto.LearnedRule
}

// LoadRuleBook reads the rule document, returning an empty book when the file
// does not exist yet.
func LoadRuleBook(path string) (*RuleBook, error) {
	rb := &RuleBook{path: path, rules: make(map[string]*proto.LearnedRule)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return rb, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rule book %s: %w", path, err)
	}

	var list []*proto.LearnedRule
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse rule book %s: %w", path, err)
	}
	for _, rule := range list {
		rb.rules[rule.Key] = rule
	}
	return rb, nil
}

// ForCategory returns copies of the rules matching a category, for prompt
// injection.
func (rb *RuleBook) ForCategory(category string) []proto.LearnedRule {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []proto.LearnedRule
	for _, rule := range rb.rules {
		if rule.Category == category {
			out = append(out, *rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of rules.
func (rb *RuleBook) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.rules)
}

// Promote converts recurring or effective-major issues from a finished run
// into rules. Existing rules gain a promotion count instead of duplicating.
func (rb *RuleBook) Promote(issues []*proto.Issue) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	promoted := 0
	for _, issue := range issues {
		if issue.Occurrences < promoteOccurrenceThreshold && !issue.IsEffectiveMajor() {
			continue
		}
		rule, ok := rb.rules[issue.Key]
		if ok {
			rule.Promotions++
			rule.SourceHints += issue.Occurrences
			rule.UpdatedAt = time.Now().UTC()
			continue
		}
		rb.rules[issue.Key] = &proto.LearnedRule{
			Key:         issue.Key,
			Category:    issue.Category,
			Constraint:  constraintFor(issue),
			Promotions:  1,
			SourceHints: issue.Occurrences,
			UpdatedAt:   time.Now().UTC(),
		}
		promoted++
	}
	return promoted
}

// Save atomically replaces the rule document. The file is re-read first so
// rules promoted by a concurrent run on the same project are merged in rather
// than overwritten.
func (rb *RuleBook) Save() error {
	rb.mu.Lock()
	if data, err := os.ReadFile(rb.path); err == nil {
		var onDisk []*proto.LearnedRule
		if json.Unmarshal(data, &onDisk) == nil {
			for _, rule := range onDisk {
				if _, ok := rb.rules[rule.Key]; !ok {
					rb.rules[rule.Key] = rule
				}
			}
		}
	}
	list := make([]*proto.LearnedRule, 0, len(rb.rules))
	for _, rule := range rb.rules {
		list = append(list, rule)
	}
	rb.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal rule book: %w", err)
	}
	if err := utils.WriteFileAtomic(rb.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write rule book: %w", err)
	}
	return nil
}

func constraintFor(issue *proto.Issue) string {
	if issue.Message != "" {
		return fmt.Sprintf("avoid %s in %s: %s", issue.Symptom, issue.ScopePath, issue.Message)
	}
	return fmt.Sprintf("avoid %s in %s", issue.Symptom, issue.ScopePath)
}
