package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/pkg/proto"
)

func TestWriteAndReadBack(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(&Incident{
		Kind:    KindAttempt,
		RunID:   "run-1",
		PhaseID: "phase-1",
		Outcome: proto.OutcomeSuccess,
		Detail:  "attempt 0 complete",
	}))
	require.NoError(t, w.Write(&Incident{
		Kind:  KindRollback,
		RunID: "run-1",
		Issue: proto.NewIssue("codegen", "src/a.go", "growth-exceeded",
			proto.SeverityMajor, proto.SourceGuardrail),
	}))

	incidents, err := ReadIncidents(w.CurrentFile())
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, KindAttempt, incidents[0].Kind)
	assert.False(t, incidents[0].Time.IsZero())
	assert.Equal(t, KindRollback, incidents[1].Kind)
	require.NotNil(t, incidents[1].Issue)
	assert.Equal(t, "growth-exceeded", incidents[1].Issue.Symptom)
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(&Incident{Kind: KindRunState, RunID: "run-1"}))

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
