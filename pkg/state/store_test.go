package state

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/pkg/proto"
)

func testRun() *proto.Run {
	run := proto.NewRun("demo")
	phase := proto.NewPhase(run.ID, 0, "wire metrics")
	phase.Category = "codegen"
	run.Tiers = []*proto.Tier{{Index: 0, Clean: true, Phases: []*proto.Phase{phase}}}
	return run
}

func TestSaveAndLoadSummary(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	run := testRun()
	run.TokensUsed = 42_000
	require.NoError(t, store.SaveRun(run))

	summary, err := store.LoadRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, run.ID, summary.RunID)
	assert.Equal(t, int64(42_000), summary.TokensUsed)
	require.Len(t, summary.Tiers, 1)
	require.Len(t, summary.Tiers[0].Phases, 1)
	assert.Equal(t, "QUEUED", summary.Tiers[0].Phases[0].State)
}

func TestLoadMissingSummaryIsNil(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	summary, err := store.LoadRun("run_nope")
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestSaveRecreatesDeletedRunDir(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	run := testRun()
	require.NoError(t, store.SaveRun(run))
	require.NoError(t, os.RemoveAll(store.runDir(run.ID)))

	// A second save must recreate the directory rather than fail.
	require.NoError(t, store.SaveRun(run))
	summary, err := store.LoadRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, summary)
}

func TestListRuns(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	first := testRun()
	second := testRun()
	require.NoError(t, store.SaveRun(first))
	require.NoError(t, store.SaveRun(second))

	ids, err := store.ListRuns()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, first.ID)
}
