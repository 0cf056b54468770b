// Package gate combines attempt signals into a single outcome decision via an
// ordered first-match rule list.
package gate

import (
	"fmt"
	"strings"

	"overseer/pkg/proto"
	"overseer/pkg/verify"
)

// Signals are the inputs from one attempt. The gate itself is a pure
// function: evaluating the same signals twice yields the same decision.
type Signals struct {
	// PatchCorrupted is set when the apply failed and was rolled back.
	PatchCorrupted bool
	// GuardrailIssues are size guardrail trips (the apply was rolled back).
	GuardrailIssues []*proto.Issue
	// Delta is the baseline comparison; nil when the phase declares no
	// validation command.
	Delta *verify.Delta
	// AuditorRan distinguishes "auditor approved nothing" from "no auditor".
	AuditorRan      bool
	AuditorApproved bool
	AuditorIssues   []*proto.Issue
	// HighRisk marks categories where a major rejection fails the phase
	// outright instead of parking it in NEEDS_REVIEW.
	HighRisk bool
}

// Decision is the gate's verdict on one attempt.
type Decision struct {
	Outcome proto.OutcomeClass
	// State is the phase state the decision maps to: COMPLETE, NEEDS_REVIEW
	// or FAILED.
	State  proto.PhaseState
	Reason string
	// Issues collects every finding the attempt produced, regardless of
	// which rule decided.
	Issues []*proto.Issue
}

// rule is one entry of the ordered first-match list.
type rule struct {
	name    string
	matches func(*Signals) bool
	decide  func(*Signals) Decision
}

// Rules are evaluated top to bottom; the first match decides. Order encodes
// precedence: corruption beats CI, CI beats the Auditor, major findings beat
// minor ones.
func rules() []rule {
	return []rule{
		{
			name:    "patch-corrupted",
			matches: func(s *Signals) bool { return s.PatchCorrupted },
			decide: func(s *Signals) Decision {
				return Decision{
					Outcome: proto.OutcomePatchCorrupted,
					State:   proto.PhaseFailed,
					Reason:  "patch apply failed and was rolled back",
				}
			},
		},
		{
			name:    "guardrail-tripped",
			matches: func(s *Signals) bool { return len(s.GuardrailIssues) > 0 },
			decide: func(s *Signals) Decision {
				return Decision{
					Outcome: proto.OutcomePatchCorrupted,
					State:   proto.PhaseFailed,
					Reason:  fmt.Sprintf("guardrail rejected the patch: %s", issueSummary(s.GuardrailIssues)),
				}
			},
		},
		{
			name:    "new-ci-failures",
			matches: func(s *Signals) bool { return s.Delta != nil && !s.Delta.Clean() },
			decide: func(s *Signals) Decision {
				return Decision{
					Outcome: proto.OutcomeCIFailed,
					State:   proto.PhaseFailed,
					Reason:  fmt.Sprintf("verification introduced new failures: %s", strings.Join(s.Delta.New, ", ")),
				}
			},
		},
		{
			name:    "auditor-rejected",
			matches: func(s *Signals) bool { return s.AuditorRan && !s.AuditorApproved && hasMajor(s.AuditorIssues) },
			decide: func(s *Signals) Decision {
				state := proto.PhaseNeedsReview
				if s.HighRisk {
					state = proto.PhaseFailed
				}
				return Decision{
					Outcome: proto.OutcomeAuditorRejected,
					State:   state,
					Reason:  fmt.Sprintf("auditor rejected: %s", issueSummary(s.AuditorIssues)),
				}
			},
		},
		{
			name: "unresolved-findings",
			matches: func(s *Signals) bool {
				return s.AuditorRan && len(s.AuditorIssues) > 0
			},
			decide: func(s *Signals) Decision {
				return Decision{
					Outcome: proto.OutcomeSuccess,
					State:   proto.PhaseNeedsReview,
					Reason:  fmt.Sprintf("resolved with unresolved findings: %s", issueSummary(s.AuditorIssues)),
				}
			},
		},
		{
			name:    "clean",
			matches: func(s *Signals) bool { return true },
			decide: func(s *Signals) Decision {
				return Decision{
					Outcome: proto.OutcomeSuccess,
					State:   proto.PhaseComplete,
					Reason:  "all checks passed",
				}
			},
		},
	}
}

// Evaluate runs the rule list over the signals. Pure and idempotent.
func Evaluate(s Signals) Decision {
	for _, r := range rules() {
		if !r.matches(&s) {
			continue
		}
		d := r.decide(&s)
		d.Issues = collectIssues(&s)
		return d
	}
	// The final rule always matches.
	panic("unreachable")
}

func collectIssues(s *Signals) []*proto.Issue {
	out := make([]*proto.Issue, 0, len(s.GuardrailIssues)+len(s.AuditorIssues))
	out = append(out, s.GuardrailIssues...)
	out = append(out, s.AuditorIssues...)
	return out
}

func hasMajor(issues []*proto.Issue) bool {
	for _, issue := range issues {
		if issue.Severity == proto.SeverityMajor {
			return true
		}
	}
	return false
}

func issueSummary(issues []*proto.Issue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, fmt.Sprintf("%s/%s (%s)", issue.ScopePath, issue.Symptom, issue.Severity))
	}
	return strings.Join(parts, "; ")
}
