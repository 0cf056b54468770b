package agent

import (
	"fmt"
	"os"
	"strings"

	"overseer/pkg/config"
)

// NewClient builds a retry-wrapped client for a (provider, model) routing
// target. API keys are read from the environment variable the provider table
// names; Ollama needs no key.
func NewClient(ref config.ModelRef, limits config.ProviderLimits) (Client, error) {
	raw, err := newRawClient(ref, limits)
	if err != nil {
		return nil, err
	}
	return NewRetryableClient(raw), nil
}

func newRawClient(ref config.ModelRef, limits config.ProviderLimits) (Client, error) {
	switch strings.ToLower(ref.Provider) {
	case config.ProviderOllama:
		return NewOllamaClient(limits.HostURL, ref.Model), nil
	case config.ProviderAnthropic:
		key, err := apiKey(ref.Provider, limits.APIKeyEnv)
		if err != nil {
			return nil, err
		}
		return NewAnthropicClient(key, ref.Model), nil
	case config.ProviderOpenAI:
		key, err := apiKey(ref.Provider, limits.APIKeyEnv)
		if err != nil {
			return nil, err
		}
		return NewOpenAIClient(key, ref.Model), nil
	case config.ProviderGoogle:
		key, err := apiKey(ref.Provider, limits.APIKeyEnv)
		if err != nil {
			return nil, err
		}
		return NewGeminiClient(key, ref.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", ref.Provider)
	}
}

func apiKey(provider, envName string) (string, error) {
	if envName == "" {
		return "", fmt.Errorf("provider %s has no api_key_env configured", provider)
	}
	key := os.Getenv(envName)
	if key == "" {
		return "", fmt.Errorf("environment variable %s is not set for provider %s", envName, provider)
	}
	return key, nil
}
