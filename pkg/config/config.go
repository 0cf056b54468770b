// Package config provides configuration loading, validation, and between-run
// hot reload for the control plane.
//
// Two external tables drive routing: the category→model ladder routing table
// and the provider price/quota table. Both live in one YAML document, are
// validated on load, and are reloadable between runs — never mid-attempt. A
// filesystem watcher marks a pending reload; the supervisor applies it at the
// next run boundary.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"overseer/pkg/logx"
	"overseer/pkg/proto"
)

// Provider name constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGoogle    = "google"
)

// ModelRef identifies one (provider, model) routing target.
type ModelRef struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// String returns provider/model for logs.
func (m ModelRef) String() string {
	return m.Provider + "/" + m.Model
}

// CategoryRoute is the routing entry for one task category. The ladder is
// ordered weakest to strongest; escalation walks toward the end.
type CategoryRoute struct {
	// HighRisk categories start at the top of the ladder on attempt zero.
	HighRisk bool `yaml:"high_risk" json:"high_risk"`
	// EscalateAfter is the number of failed attempts per ladder step.
	EscalateAfter int `yaml:"escalate_after" json:"escalate_after"`
	// Ladders maps complexity to an ordered model ladder.
	Ladders map[string][]ModelRef `yaml:"ladders" json:"ladders"`
}

// ProviderLimits is one row of the provider price/quota table.
type ProviderLimits struct {
	InputCPM    float64 `yaml:"input_cpm" json:"input_cpm"`   // USD per million input tokens
	OutputCPM   float64 `yaml:"output_cpm" json:"output_cpm"` // USD per million output tokens
	MaxTPM      int     `yaml:"max_tpm" json:"max_tpm"`
	DailyBudget float64 `yaml:"daily_budget_usd" json:"daily_budget_usd"`
	// ErrorRateThreshold marks the provider unhealthy for the rest of the run
	// once its rolling error rate exceeds it.
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	APIKeyEnv          string  `yaml:"api_key_env" json:"api_key_env"`
	HostURL            string  `yaml:"host_url,omitempty" json:"host_url,omitempty"` // ollama only
}

// BudgetCategory holds the estimator inputs for one category.
type BudgetCategory struct {
	BaseTokens int `yaml:"base_tokens" json:"base_tokens"`
	// SmallOutput marks categories known to produce small, well-bounded output;
	// the global floor is skipped when prediction is intentionally below it.
	SmallOutput bool `yaml:"small_output" json:"small_output"`
}

// BudgetConfig configures the token budget estimator.
type BudgetConfig struct {
	GlobalFloor       int                       `yaml:"global_floor" json:"global_floor"`
	PerDeliverable    map[string]int            `yaml:"per_deliverable" json:"per_deliverable"`
	ComplexityFactor  map[string]float64        `yaml:"complexity_factor" json:"complexity_factor"`
	Categories        map[string]BudgetCategory `yaml:"categories" json:"categories"`
}

// GuardrailConfig configures patch-engine guardrails.
type GuardrailConfig struct {
	// GrowthMultiplier bounds post-patch line count at pre*multiplier.
	GrowthMultiplier float64 `yaml:"growth_multiplier" json:"growth_multiplier"`
	// ShrinkMultiplier bounds post-patch line count at pre/multiplier.
	ShrinkMultiplier float64 `yaml:"shrink_multiplier" json:"shrink_multiplier"`
	// StrictPolicy turns policy trips into hard attempt failures instead of
	// negotiable governance requests.
	StrictPolicy bool `yaml:"strict_policy" json:"strict_policy"`
}

// Duration wraps time.Duration so YAML documents can say "20m" or "8h".
type Duration time.Duration

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// CapsConfig holds run and attempt caps.
type CapsConfig struct {
	MaxAttempts     int      `yaml:"max_attempts" json:"max_attempts"`
	MaxInfraRetries int      `yaml:"max_infra_retries" json:"max_infra_retries"`
	AttemptTimeout  Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
	RunTimeout      Duration `yaml:"run_timeout" json:"run_timeout"`
	MaxRunTokens    int64    `yaml:"max_run_tokens" json:"max_run_tokens"`
}

// APIConfig configures the control API listener.
type APIConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	// TokenHash is the bcrypt hash of the bearer token; empty disables auth
	// (local development only).
	TokenHash string `yaml:"token_hash" json:"token_hash"`
	// PrometheusURL enables the per-run usage endpoint backed by a Prometheus
	// server scraping /metrics. Empty disables it.
	PrometheusURL string `yaml:"prometheus_url,omitempty" json:"prometheus_url,omitempty"`
}

// HighRiskCategories returns the set of categories flagged high risk, used by
// the quality gate to decide NEEDS_REVIEW vs FAILED on auditor rejection.
func (c *Config) HighRiskCategories() map[string]bool {
	out := make(map[string]bool)
	for name, route := range c.Routing {
		if route.HighRisk {
			out[name] = true
		}
	}
	return out
}

// Config is the root configuration document.
type Config struct {
	Project  string                    `yaml:"project" json:"project"`
	DataDir  string                    `yaml:"data_dir" json:"data_dir"`
	Routing  map[string]CategoryRoute  `yaml:"routing" json:"routing"`
	Providers map[string]ProviderLimits `yaml:"providers" json:"providers"`
	Budget   BudgetConfig              `yaml:"budget" json:"budget"`
	Guardrails GuardrailConfig         `yaml:"guardrails" json:"guardrails"`
	Caps     CapsConfig                `yaml:"caps" json:"caps"`
	API      APIConfig                 `yaml:"api" json:"api"`
}

var (
	mu      sync.RWMutex
	current *Config
	pending *Config // staged by the watcher, applied between runs
	logger  = logx.NewLogger("config")
)

// Load reads, validates and installs the configuration from path.
func Load(path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	pending = nil
	mu.Unlock()

	logger.Info("config loaded: %d categories, %d providers", len(cfg.Routing), len(cfg.Providers))
	return cfg, nil
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Get returns the active configuration by value semantics: callers must not
// mutate the returned pointer's maps. Returns an error before Load.
func Get() (*Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return current, nil
}

// StageReload validates and stages a new config for the next run boundary.
func StageReload(path string) error {
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}
	mu.Lock()
	pending = cfg
	mu.Unlock()
	logger.Info("config reload staged; applies at next run boundary")
	return nil
}

// ApplyPending swaps in a staged reload, if any. Called by the supervisor
// between runs only. Returns true if a reload was applied.
func ApplyPending() bool {
	mu.Lock()
	defer mu.Unlock()
	if pending == nil {
		return false
	}
	current = pending
	pending = nil
	logger.Info("config reload applied")
	return true
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Project == "" {
		return fmt.Errorf("project is required")
	}
	if len(c.Routing) == 0 {
		return fmt.Errorf("routing table is empty")
	}
	for name, route := range c.Routing {
		if len(route.Ladders) == 0 {
			return fmt.Errorf("category %s has no ladders", name)
		}
		for complexity, ladder := range route.Ladders {
			if len(ladder) == 0 {
				return fmt.Errorf("category %s complexity %s has an empty ladder", name, complexity)
			}
			for _, ref := range ladder {
				if _, ok := c.Providers[ref.Provider]; !ok {
					return fmt.Errorf("category %s references unknown provider %s", name, ref.Provider)
				}
			}
		}
		if route.EscalateAfter < 1 {
			return fmt.Errorf("category %s: escalate_after must be >= 1", name)
		}
	}
	for name, limits := range c.Providers {
		if !knownProvider(name) {
			return fmt.Errorf("unknown provider %s", name)
		}
		if limits.ErrorRateThreshold <= 0 || limits.ErrorRateThreshold > 1 {
			return fmt.Errorf("provider %s: error_rate_threshold must be in (0,1]", name)
		}
	}
	if c.Guardrails.GrowthMultiplier < 1 {
		return fmt.Errorf("guardrails.growth_multiplier must be >= 1")
	}
	if c.Caps.MaxAttempts < 1 {
		return fmt.Errorf("caps.max_attempts must be >= 1")
	}
	return nil
}

func knownProvider(name string) bool {
	switch strings.ToLower(name) {
	case ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderGoogle:
		return true
	default:
		return false
	}
}

// Route returns the routing entry for a category, or an error if unrouted.
func (c *Config) Route(category string) (CategoryRoute, error) {
	route, ok := c.Routing[category]
	if !ok {
		return CategoryRoute{}, fmt.Errorf("no route for category %s", category)
	}
	return route, nil
}

// Ladder returns the model ladder for (category, complexity), falling back to
// the medium ladder when the exact complexity is absent.
func (c *Config) Ladder(category string, complexity proto.Complexity) ([]ModelRef, error) {
	route, err := c.Route(category)
	if err != nil {
		return nil, err
	}
	if ladder, ok := route.Ladders[string(complexity)]; ok {
		return ladder, nil
	}
	if ladder, ok := route.Ladders[string(proto.ComplexityMedium)]; ok {
		return ladder, nil
	}
	return nil, fmt.Errorf("category %s has no ladder for complexity %s", category, complexity)
}

// CostUSD computes the dollar cost of a call against the provider price table.
func (c *Config) CostUSD(provider string, promptTokens, outputTokens int64) float64 {
	limits, ok := c.Providers[provider]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*limits.InputCPM + float64(outputTokens)/1e6*limits.OutputCPM
}

// Defaults returns a config pre-filled with conservative defaults; Load
// overlays the YAML document on top.
func Defaults() *Config {
	return &Config{
		DataDir: ".overseer",
		Budget: BudgetConfig{
			GlobalFloor: 16384,
			PerDeliverable: map[string]int{
				"code": 2048, "test": 1536, "doc": 1024, "config": 512,
			},
			ComplexityFactor: map[string]float64{
				"low": 0.6, "medium": 1.0, "high": 1.8,
			},
		},
		Guardrails: GuardrailConfig{
			GrowthMultiplier: 3.0,
			ShrinkMultiplier: 3.0,
		},
		Caps: CapsConfig{
			MaxAttempts:     4,
			MaxInfraRetries: 3,
			AttemptTimeout:  Duration(20 * time.Minute),
			RunTimeout:      Duration(8 * time.Hour),
			MaxRunTokens:    10_000_000,
		},
		API: APIConfig{Addr: "127.0.0.1:8088"},
	}
}
