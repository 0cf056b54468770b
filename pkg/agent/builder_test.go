package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/pkg/proto"
)

func buildPhase() *proto.Phase {
	phase := proto.NewPhase("run_1", 0, "add retry helper")
	phase.Category = "codegen"
	phase.Spec = "Add exponential backoff to the fetch helper."
	phase.AllowedPaths = []string{"internal/fetch/"}
	phase.ProtectedPaths = []string{"migrations/"}
	return phase
}

const sampleDiff = `--- a/internal/fetch/fetch.go
+++ b/internal/fetch/fetch.go
@@ -1,3 +1,4 @@
 package fetch
+
 import "time"`

func TestBuilderExtractsFencedDiff(t *testing.T) {
	mock := NewMockClient("test-model", CompletionResponse{
		Content:    "Here is the change.\n```diff\n" + sampleDiff + "\n```\nDone.",
		StopReason: StopEnd,
		Usage:      Usage{PromptTokens: 100, OutputTokens: 50},
	})
	builder := NewBuilder(mock)

	proposal, err := builder.Propose(context.Background(), &BuildRequest{
		Phase:           buildPhase(),
		MaxOutputTokens: 4096,
	})
	require.NoError(t, err)
	assert.Equal(t, sampleDiff, proposal.Diff)
	assert.False(t, proposal.Truncated)
	assert.Equal(t, int64(50), proposal.Usage.OutputTokens)
	assert.Contains(t, proposal.Notes, "Done.")
}

func TestBuilderMarksTruncatedOutput(t *testing.T) {
	mock := NewMockClient("test-model", CompletionResponse{
		Content:    "```diff\n--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old",
		StopReason: StopMaxTokens,
	})
	builder := NewBuilder(mock)

	proposal, err := builder.Propose(context.Background(), &BuildRequest{
		Phase:           buildPhase(),
		MaxOutputTokens: 64,
	})
	require.NoError(t, err)
	assert.True(t, proposal.Truncated)
	assert.NotEmpty(t, proposal.Diff)
}

func TestBuilderInjectsLearnedRules(t *testing.T) {
	mock := NewMockClient("test-model", CompletionResponse{
		Content: "```diff\n" + sampleDiff + "\n```", StopReason: StopEnd,
	})
	builder := NewBuilder(mock)

	_, err := builder.Propose(context.Background(), &BuildRequest{
		Phase: buildPhase(),
		LearnedRules: []proto.LearnedRule{
			{Category: "codegen", Constraint: "always wrap errors with context"},
		},
		MaxOutputTokens: 4096,
	})
	require.NoError(t, err)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	require.NotEmpty(t, calls[0].Messages)
	assert.Contains(t, calls[0].Messages[0].Content, "always wrap errors with context")
}

func TestBuilderBareDiffPassthrough(t *testing.T) {
	diff, notes := extractDiff(sampleDiff)
	assert.Equal(t, sampleDiff, diff)
	assert.Empty(t, notes)

	diff, notes = extractDiff("no patch here, cannot comply")
	assert.Empty(t, diff)
	assert.Equal(t, "no patch here, cannot comply", notes)
}
