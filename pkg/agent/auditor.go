package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"overseer/pkg/logx"
	"overseer/pkg/proto"
)

// ReviewRequest carries the applied diff and verification evidence to the
// Auditor.
type ReviewRequest struct {
	Phase           *proto.Phase
	Diff            string
	VerifyOutput    string
	LearnedRules    []proto.LearnedRule
	MaxOutputTokens int
}

// Verdict is the Auditor's structured decision.
type Verdict struct {
	Approved bool
	Summary  string
	Issues   []*proto.Issue
	Usage    Usage
}

// HasMajor reports whether any finding is major.
func (v *Verdict) HasMajor() bool {
	for _, issue := range v.Issues {
		if issue.Severity == proto.SeverityMajor {
			return true
		}
	}
	return false
}

// Auditor reviews applied patches and emits approve/reject plus findings.
type Auditor struct {
	client Client
	logger *logx.Logger
}

// NewAuditor creates an Auditor over a completion client.
func NewAuditor(client Client) *Auditor {
	return &Auditor{client: client, logger: logx.NewLogger("auditor")}
}

// ModelName returns the underlying model.
func (a *Auditor) ModelName() string {
	return a.client.ModelName()
}

const auditorSystemPrompt = `You are a code review agent. You receive a work
phase, the unified diff that was applied for it, and verification output.
Respond with ONLY a JSON object, no prose around it:

{
  "approved": true,
  "summary": "one-line assessment",
  "issues": [
    {
      "category": "phase category",
      "scope_path": "file or directory the issue is anchored to",
      "symptom": "stable-symptom-class",
      "severity": "minor" | "major",
      "message": "what is wrong and how to fix it"
    }
  ]
}

A major issue means the patch must not ship as-is. Keep symptom values stable
short identifiers such as "missing-error-check" or "scope-creep", never free
prose.`

type wireIssue struct {
	Category  string `json:"category"`
	ScopePath string `json:"scope_path"`
	Symptom   string `json:"symptom"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

type wireVerdict struct {
	Approved bool        `json:"approved"`
	Summary  string      `json:"summary"`
	Issues   []wireIssue `json:"issues"`
}

// Review runs one Auditor call and parses the verdict.
func (a *Auditor) Review(ctx context.Context, req *ReviewRequest) (*Verdict, error) {
	if req.Phase == nil {
		return nil, fmt.Errorf("review request requires a phase")
	}

	resp, err := a.client.Complete(ctx, CompletionRequest{
		Messages: []CompletionMessage{
			NewSystemMessage(a.systemPrompt(req)),
			NewUserMessage(a.userPrompt(req)),
		},
		MaxTokens:   req.MaxOutputTokens,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}

	verdict, err := parseVerdict(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("auditor returned unparseable verdict: %w", err)
	}
	verdict.Usage = resp.Usage

	a.fillIssueDefaults(req.Phase, verdict)
	return verdict, nil
}

func (a *Auditor) systemPrompt(req *ReviewRequest) string {
	var sb strings.Builder
	sb.WriteString(auditorSystemPrompt)
	if len(req.LearnedRules) > 0 {
		sb.WriteString("\n\nProject constraints from previous runs; flag any violation as a major issue:\n")
		for i := range req.LearnedRules {
			fmt.Fprintf(&sb, "- %s\n", req.LearnedRules[i].Constraint)
		}
	}
	return sb.String()
}

func (a *Auditor) userPrompt(req *ReviewRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Phase: %s\n\n%s\n", req.Phase.Title, req.Phase.Spec)
	fmt.Fprintf(&sb, "\n## Applied diff\n\n```diff\n%s\n```\n", req.Diff)
	if req.VerifyOutput != "" {
		fmt.Fprintf(&sb, "\n## Verification output\n\n```\n%s\n```\n", req.VerifyOutput)
	}
	return sb.String()
}

func (a *Auditor) fillIssueDefaults(phase *proto.Phase, verdict *Verdict) {
	for _, issue := range verdict.Issues {
		if issue.Category == "" {
			issue.Category = phase.Category
		}
		if issue.ScopePath == "" && len(phase.AllowedPaths) > 0 {
			issue.ScopePath = phase.AllowedPaths[0]
		}
		issue.Key = proto.IssueKey(issue.Category, issue.ScopePath, issue.Symptom)
	}
}

// parseVerdict extracts the JSON object from model output, tolerating prose or
// fences around it.
func parseVerdict(content string) (*Verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var wire wireVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("invalid verdict JSON: %w", err)
	}

	verdict := &Verdict{Approved: wire.Approved, Summary: wire.Summary}
	for i := range wire.Issues {
		w := &wire.Issues[i]
		issue := proto.NewIssue(w.Category, w.ScopePath, w.Symptom,
			proto.ParseSeverity(w.Severity), proto.SourceAuditor)
		issue.Message = w.Message
		verdict.Issues = append(verdict.Issues, issue)
	}
	return verdict, nil
}
