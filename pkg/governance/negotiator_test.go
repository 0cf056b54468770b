package governance

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/pkg/persistence"
	"overseer/pkg/proto"
)

func newNegotiator(t *testing.T) *Negotiator {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewNegotiator(store)
}

func TestRaiseCreatesPendingRequest(t *testing.T) {
	n := newNegotiator(t)

	req, err := n.Raise("run-1", "phase-1", []string{"migrations/0001.sql"}, "schema change")
	require.NoError(t, err)
	assert.Equal(t, proto.GovernancePending, req.Status)
	assert.False(t, req.Resolved())

	pending, err := n.Pending("run-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)
}

func TestApprovalGrantsPhaseScopedAllowance(t *testing.T) {
	n := newNegotiator(t)

	req, err := n.Raise("run-1", "phase-1", []string{"migrations/0001.sql"}, "")
	require.NoError(t, err)

	resolved, err := n.Resolve(req.ID, true, "alice")
	require.NoError(t, err)
	assert.Equal(t, proto.GovernanceApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.Approver)
	assert.False(t, resolved.ResolvedAt.IsZero())

	assert.Equal(t, []string{"migrations/0001.sql"}, n.AllowancesFor("phase-1"))
	assert.Empty(t, n.AllowancesFor("phase-2"))
}

func TestDenialGrantsNothing(t *testing.T) {
	n := newNegotiator(t)

	req, err := n.Raise("run-1", "phase-1", []string{"deploy/prod.yaml"}, "")
	require.NoError(t, err)

	resolved, err := n.Resolve(req.ID, false, "bob")
	require.NoError(t, err)
	assert.Equal(t, proto.GovernanceDenied, resolved.Status)
	assert.Empty(t, n.AllowancesFor("phase-1"))
}

func TestDoubleResolutionFails(t *testing.T) {
	n := newNegotiator(t)

	req, err := n.Raise("run-1", "phase-1", []string{"deploy/prod.yaml"}, "")
	require.NoError(t, err)

	_, err = n.Resolve(req.ID, true, "alice")
	require.NoError(t, err)
	_, err = n.Resolve(req.ID, false, "bob")
	assert.Error(t, err)
}

func TestResolveUnknownRequest(t *testing.T) {
	n := newNegotiator(t)
	_, err := n.Resolve("gov-missing", true, "alice")
	assert.Error(t, err)
}

func TestReleasePhaseDropsAllowances(t *testing.T) {
	n := newNegotiator(t)

	req, err := n.Raise("run-1", "phase-1", []string{"migrations/0001.sql"}, "")
	require.NoError(t, err)
	_, err = n.Resolve(req.ID, true, "alice")
	require.NoError(t, err)

	n.ReleasePhase("phase-1")
	assert.Empty(t, n.AllowancesFor("phase-1"))
}

func TestAllowancesSurviveRestart(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	n := NewNegotiator(store)
	req, err := n.Raise("run-1", "phase-1", []string{"migrations/0001.sql"}, "")
	require.NoError(t, err)
	_, err = n.Resolve(req.ID, true, "alice")
	require.NoError(t, err)

	// A fresh negotiator over the same store stands in for a restarted process.
	fresh := NewNegotiator(store)
	assert.Equal(t, []string{"migrations/0001.sql"}, fresh.AllowancesFor("phase-1"))
	assert.Empty(t, fresh.AllowancesFor("phase-2"))
}

func TestResolutionPersists(t *testing.T) {
	n := newNegotiator(t)

	req, err := n.Raise("run-1", "phase-1", []string{"migrations/0001.sql"}, "")
	require.NoError(t, err)
	_, err = n.Resolve(req.ID, true, "alice")
	require.NoError(t, err)

	loaded, err := n.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.GovernanceApproved, loaded.Status)

	pending, err := n.Pending("run-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
