package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPassingCommand(t *testing.T) {
	r := NewRunner(t.TempDir(), 10*time.Second)
	outcome, err := r.Run(context.Background(), "true")
	require.NoError(t, err)
	assert.True(t, outcome.Passed)
	assert.Zero(t, outcome.ExitCode)
}

func TestRunFailingCommandParsesOutput(t *testing.T) {
	r := NewRunner(t.TempDir(), 10*time.Second)
	outcome, err := r.Run(context.Background(),
		`echo '--- FAIL: TestAlpha'; echo '--- FAIL: TestBeta'; exit 1`)
	require.NoError(t, err)
	assert.False(t, outcome.Passed)
	assert.Equal(t, 1, outcome.ExitCode)
	assert.Equal(t, []string{"TestAlpha", "TestBeta"}, outcome.Failures)
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner(t.TempDir(), 100*time.Millisecond)
	_, err := r.Run(context.Background(), "sleep 5")
	assert.Error(t, err)
}

func TestCompareBaselineDelta(t *testing.T) {
	baseline := &Outcome{Failures: []string{"TestOld", "TestFlaky"}}
	current := &Outcome{Failures: []string{"TestFlaky", "TestNew"}}

	delta := Compare(baseline, current)
	assert.Equal(t, []string{"TestNew"}, delta.New)
	assert.Equal(t, []string{"TestOld"}, delta.Fixed)
	assert.Equal(t, []string{"TestFlaky"}, delta.Preexisting)
	assert.False(t, delta.Clean())
}

func TestCompareOnlyPreexistingIsClean(t *testing.T) {
	baseline := &Outcome{Failures: []string{"TestOld"}}
	current := &Outcome{Failures: []string{"TestOld"}}

	delta := Compare(baseline, current)
	assert.True(t, delta.Clean())
	assert.Empty(t, delta.New)
}

func TestCompareUnparseableFailureStillFailsGate(t *testing.T) {
	baseline := &Outcome{Passed: true}
	current := &Outcome{Passed: false, ExitCode: 2}

	delta := Compare(baseline, current)
	assert.Equal(t, []string{"exit-code-2"}, delta.New)
}

func TestCompareUnparseableBaselineFailure(t *testing.T) {
	baseline := &Outcome{Passed: false, ExitCode: 2}
	current := &Outcome{Passed: false, ExitCode: 2}

	delta := Compare(baseline, current)
	assert.True(t, delta.Clean(), "same opaque failure before and after is preexisting")
}

func TestReconcileDowngradesFlakyFailures(t *testing.T) {
	first := Delta{New: []string{"TestFlaky", "TestReallyBroken"}}
	retry := Delta{New: []string{"TestReallyBroken"}}

	merged := Reconcile(first, retry)
	assert.Equal(t, []string{"TestReallyBroken"}, merged.New)
	assert.Equal(t, []string{"TestFlaky"}, merged.Flaky)
	assert.False(t, merged.Clean())
}

func TestReconcileAllFlakyIsClean(t *testing.T) {
	first := Delta{New: []string{"TestFlaky"}}
	retry := Delta{}

	merged := Reconcile(first, retry)
	assert.True(t, merged.Clean())
	assert.Equal(t, []string{"TestFlaky"}, merged.Flaky)
}

func TestParseFailuresDedupes(t *testing.T) {
	out := "--- FAIL: TestX\n--- FAIL: TestX\nFAIL\tpkg/foo\t0.5s\n"
	failures := ParseFailures(out)
	assert.Equal(t, []string{"TestX", "pkg/foo"}, failures)
}
