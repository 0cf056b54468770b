package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/pkg/proto"
)

const verdictJSON = `Looking at the diff:
{
  "approved": false,
  "summary": "error path drops context",
  "issues": [
    {
      "category": "codegen",
      "scope_path": "internal/fetch/fetch.go",
      "symptom": "missing-error-check",
      "severity": "major",
      "message": "the retry loop ignores the final error"
    },
    {
      "symptom": "naming-drift",
      "severity": "minor",
      "message": "helper name does not match package conventions"
    }
  ]
}`

func TestAuditorParsesVerdict(t *testing.T) {
	mock := NewMockClient("review-model", CompletionResponse{
		Content: verdictJSON, StopReason: StopEnd,
	})
	auditor := NewAuditor(mock)

	verdict, err := auditor.Review(context.Background(), &ReviewRequest{
		Phase:           buildPhase(),
		Diff:            sampleDiff,
		MaxOutputTokens: 2048,
	})
	require.NoError(t, err)

	assert.False(t, verdict.Approved)
	assert.True(t, verdict.HasMajor())
	require.Len(t, verdict.Issues, 2)
	assert.Equal(t, proto.SeverityMajor, verdict.Issues[0].Severity)
	assert.Equal(t, proto.SourceAuditor, verdict.Issues[0].Source)

	// Defaults fill in from the phase when the model omits identity fields.
	assert.Equal(t, "codegen", verdict.Issues[1].Category)
	assert.Equal(t, "internal/fetch/", verdict.Issues[1].ScopePath)
	assert.Equal(t, proto.IssueKey("codegen", "internal/fetch/", "naming-drift"), verdict.Issues[1].Key)
}

func TestAuditorApproval(t *testing.T) {
	mock := NewMockClient("review-model", CompletionResponse{
		Content: `{"approved": true, "summary": "clean", "issues": []}`, StopReason: StopEnd,
	})
	auditor := NewAuditor(mock)

	verdict, err := auditor.Review(context.Background(), &ReviewRequest{
		Phase: buildPhase(), Diff: sampleDiff, MaxOutputTokens: 2048,
	})
	require.NoError(t, err)
	assert.True(t, verdict.Approved)
	assert.False(t, verdict.HasMajor())
}

func TestAuditorRejectsUnparseableOutput(t *testing.T) {
	mock := NewMockClient("review-model", CompletionResponse{
		Content: "I cannot review this.", StopReason: StopEnd,
	})
	auditor := NewAuditor(mock)

	_, err := auditor.Review(context.Background(), &ReviewRequest{
		Phase: buildPhase(), Diff: sampleDiff, MaxOutputTokens: 2048,
	})
	assert.Error(t, err)
}
