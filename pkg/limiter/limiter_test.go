package limiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/pkg/config"
)

func testLimiter() *Limiter {
	l := New(map[string]config.ProviderLimits{
		"anthropic": {MaxTPM: 1000, DailyBudget: 10.0},
		"ollama":    {MaxTPM: 0, DailyBudget: 0},
	})
	return l
}

func TestReserveDrainsBucket(t *testing.T) {
	l := testLimiter()
	defer l.Close()

	require.NoError(t, l.Reserve("anthropic", 600))
	require.NoError(t, l.Reserve("anthropic", 400))
	assert.ErrorIs(t, l.Reserve("anthropic", 1), ErrRateLimit)
}

func TestUnmeteredProvider(t *testing.T) {
	l := testLimiter()
	defer l.Close()

	// Zero MaxTPM and zero budget mean local/unmetered.
	require.NoError(t, l.Reserve("ollama", 1_000_000))
	require.NoError(t, l.CheckBudget("ollama"))
	require.NoError(t, l.ChargeBudget("ollama", 999))
}

func TestCheckBudgetBlocksWhenSpent(t *testing.T) {
	l := testLimiter()
	defer l.Close()

	require.NoError(t, l.CheckBudget("anthropic"))
	require.NoError(t, l.ChargeBudget("anthropic", 10.0))
	assert.ErrorIs(t, l.CheckBudget("anthropic"), ErrBudgetExceeded)
}

func TestChargeBudgetRecordsOverage(t *testing.T) {
	l := testLimiter()
	defer l.Close()

	require.NoError(t, l.ChargeBudget("anthropic", 6.0))
	// Spend already incurred is recorded even past the cap.
	assert.ErrorIs(t, l.ChargeBudget("anthropic", 5.0), ErrBudgetExceeded)

	_, spent, err := l.Status("anthropic")
	require.NoError(t, err)
	assert.InDelta(t, 11.0, spent, 0.001)
}

func TestResetDailyRestoresLimits(t *testing.T) {
	l := testLimiter()
	defer l.Close()

	require.NoError(t, l.Reserve("anthropic", 1000))
	require.NoError(t, l.ChargeBudget("anthropic", 10.0))

	l.ResetDaily()

	tokens, spent, err := l.Status("anthropic")
	require.NoError(t, err)
	assert.Equal(t, 1000, tokens)
	assert.Zero(t, spent)
}

func TestUnknownProvider(t *testing.T) {
	l := testLimiter()
	defer l.Close()
	assert.Error(t, l.Reserve("nonesuch", 1))
}
