package agent

import (
	"context"
	"fmt"
	"strings"

	"overseer/pkg/logx"
	"overseer/pkg/proto"
)

// BuildRequest carries everything the Builder needs for one attempt.
type BuildRequest struct {
	Phase            *proto.Phase
	WorkspaceContext string
	// LearnedRules matching the phase category are injected into the system
	// prompt as hard constraints.
	LearnedRules  []proto.LearnedRule
	PriorFeedback []string
	// TemporaryAllowances are protected paths approved by governance for this
	// phase only.
	TemporaryAllowances []string
	MaxOutputTokens     int
}

// PatchProposal is the Builder's output: a unified diff plus metadata the
// patch engine prechecks.
type PatchProposal struct {
	Diff  string
	Notes string
	// Truncated is set when the output hit the token ceiling. A truncated
	// patch is never applied; it fails precheck and retries.
	Truncated bool
	Usage     Usage
}

// Builder turns a phase into a patch proposal via one model call.
type Builder struct {
	client Client
	logger *logx.Logger
}

// NewBuilder creates a Builder over a completion client.
func NewBuilder(client Client) *Builder {
	return &Builder{client: client, logger: logx.NewLogger("builder")}
}

// ModelName returns the underlying model.
func (b *Builder) ModelName() string {
	return b.client.ModelName()
}

const builderSystemPrompt = `You are an autonomous code-modification agent.
You receive a work phase and workspace context and respond with a single
unified diff inside a fenced block:

` + "```diff" + `
--- a/path/to/file.go
+++ b/path/to/file.go
...
` + "```" + `

Rules:
- Only modify files under the allowed paths.
- Never touch protected paths unless explicitly granted a temporary allowance.
- New files use /dev/null as the old side of the diff header.
- After the diff, optionally add a short plain-text note.`

// Propose runs one Builder call and parses the patch out of the response.
func (b *Builder) Propose(ctx context.Context, req *BuildRequest) (*PatchProposal, error) {
	if req.Phase == nil {
		return nil, fmt.Errorf("build request requires a phase")
	}

	resp, err := b.client.Complete(ctx, CompletionRequest{
		Messages: []CompletionMessage{
			NewSystemMessage(b.systemPrompt(req)),
			NewUserMessage(b.userPrompt(req)),
		},
		MaxTokens:   req.MaxOutputTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}

	diff, notes := extractDiff(resp.Content)
	proposal := &PatchProposal{
		Diff:      diff,
		Notes:     notes,
		Truncated: resp.Truncated(),
		Usage:     resp.Usage,
	}
	if proposal.Truncated {
		b.logger.Warn("builder output for %s hit token ceiling (%d output tokens)",
			req.Phase.ID, resp.Usage.OutputTokens)
	}
	return proposal, nil
}

func (b *Builder) systemPrompt(req *BuildRequest) string {
	var sb strings.Builder
	sb.WriteString(builderSystemPrompt)

	if len(req.LearnedRules) > 0 {
		sb.WriteString("\n\nProject constraints learned from previous runs; treat these as hard requirements:\n")
		for i := range req.LearnedRules {
			fmt.Fprintf(&sb, "- %s\n", req.LearnedRules[i].Constraint)
		}
	}
	return sb.String()
}

func (b *Builder) userPrompt(req *BuildRequest) string {
	var sb strings.Builder
	phase := req.Phase

	fmt.Fprintf(&sb, "## Phase: %s\n\n%s\n", phase.Title, phase.Spec)
	fmt.Fprintf(&sb, "\nCategory: %s (complexity %s)\n", phase.Category, phase.Complexity)
	fmt.Fprintf(&sb, "Allowed paths:\n%s\n", bulleted(phase.AllowedPaths))
	if len(phase.ProtectedPaths) > 0 {
		fmt.Fprintf(&sb, "Protected paths (do not modify):\n%s\n", bulleted(phase.ProtectedPaths))
	}
	if len(req.TemporaryAllowances) > 0 {
		fmt.Fprintf(&sb, "Temporary allowances granted for this phase:\n%s\n", bulleted(req.TemporaryAllowances))
	}
	if len(phase.Deliverables) > 0 {
		sb.WriteString("Expected deliverables:\n")
		for _, d := range phase.Deliverables {
			fmt.Fprintf(&sb, "- %s: %s\n", d.Type, d.Path)
		}
	}
	if req.WorkspaceContext != "" {
		fmt.Fprintf(&sb, "\n## Workspace context\n\n%s\n", req.WorkspaceContext)
	}
	if len(req.PriorFeedback) > 0 {
		sb.WriteString("\n## Feedback from previous attempts\n\n")
		for _, fb := range req.PriorFeedback {
			fmt.Fprintf(&sb, "- %s\n", fb)
		}
	}
	return sb.String()
}

func bulleted(items []string) string {
	var sb strings.Builder
	for _, item := range items {
		fmt.Fprintf(&sb, "- %s\n", item)
	}
	return sb.String()
}

// extractDiff pulls the first fenced diff block out of a response. Content
// that is already a bare unified diff passes through unchanged.
func extractDiff(content string) (diff, notes string) {
	for _, fence := range []string{"```diff\n", "```patch\n", "```\n"} {
		start := strings.Index(content, fence)
		if start == -1 {
			continue
		}
		rest := content[start+len(fence):]
		end := strings.Index(rest, "```")
		if end == -1 {
			// Unterminated fence: the output was likely clipped. Return what
			// is there; the precheck rejects incomplete hunks.
			return strings.TrimSpace(rest), strings.TrimSpace(content[:start])
		}
		diff = strings.TrimSpace(rest[:end])
		notes = strings.TrimSpace(content[:start] + rest[end+3:])
		return diff, notes
	}

	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "--- ") || strings.HasPrefix(trimmed, "diff ") {
		return trimmed, ""
	}
	return "", trimmed
}
