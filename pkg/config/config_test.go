package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/pkg/proto"
)

const testConfig = `
project: demo
routing:
  codegen:
    escalate_after: 2
    ladders:
      medium:
        - {provider: ollama, model: qwen2.5-coder}
        - {provider: anthropic, model: claude-sonnet-4-5}
        - {provider: anthropic, model: claude-opus-4-5}
  migration:
    high_risk: true
    escalate_after: 1
    ladders:
      medium:
        - {provider: anthropic, model: claude-sonnet-4-5}
        - {provider: anthropic, model: claude-opus-4-5}
providers:
  anthropic:
    input_cpm: 3.0
    output_cpm: 15.0
    max_tpm: 400000
    daily_budget_usd: 200
    error_rate_threshold: 0.5
    api_key_env: ANTHROPIC_API_KEY
  ollama:
    max_tpm: 1000000
    daily_budget_usd: 0
    error_rate_threshold: 0.8
    host_url: http://localhost:11434
budget:
  global_floor: 16384
  categories:
    docs:
      base_tokens: 2048
      small_output: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overseer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Project)
	assert.Len(t, cfg.Routing, 2)
	assert.True(t, cfg.Routing["migration"].HighRisk)

	// Defaults survive the overlay.
	assert.Equal(t, 4, cfg.Caps.MaxAttempts)
	assert.Equal(t, 3.0, cfg.Guardrails.GrowthMultiplier)
}

func TestLadderLookup(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	ladder, err := cfg.Ladder("codegen", proto.ComplexityMedium)
	require.NoError(t, err)
	require.Len(t, ladder, 3)
	assert.Equal(t, "ollama", ladder[0].Provider)

	// Unknown complexity falls back to medium.
	ladder, err = cfg.Ladder("codegen", proto.ComplexityHigh)
	require.NoError(t, err)
	assert.Len(t, ladder, 3)

	_, err = cfg.Ladder("unknown-category", proto.ComplexityMedium)
	assert.Error(t, err)
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	bad := `
project: demo
routing:
  codegen:
    escalate_after: 1
    ladders:
      medium:
        - {provider: nonesuch, model: x}
providers:
  nonesuch:
    error_rate_threshold: 0.5
`
	_, err := Load(writeConfig(t, bad))
	assert.Error(t, err)
}

func TestCostUSD(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	cost := cfg.CostUSD("anthropic", 1_000_000, 100_000)
	assert.InDelta(t, 3.0+1.5, cost, 1e-9)
	assert.Zero(t, cfg.CostUSD("unknown", 1000, 1000))
}

func TestStageAndApplyPending(t *testing.T) {
	path := writeConfig(t, testConfig)
	_, err := Load(path)
	require.NoError(t, err)

	assert.False(t, ApplyPending(), "nothing staged yet")

	changed := testConfig + "\ncaps:\n  max_attempts: 7\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))
	require.NoError(t, StageReload(path))

	// Active config unchanged until applied between runs.
	cfg, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Caps.MaxAttempts)

	require.True(t, ApplyPending())
	cfg, err = Get()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Caps.MaxAttempts)
}

func TestHighRiskCategories(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	risky := cfg.HighRiskCategories()
	assert.True(t, risky["migration"])
	assert.False(t, risky["codegen"])
}
