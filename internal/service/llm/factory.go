package llm

import (
	"clai-chat/internal/config"
	"clai-chat/internal/logger"
	"fmt"
	"strings"
)

// ProviderType represents the type of generation provider
type ProviderType string

const (
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderOpenAI     ProviderType = "openai"
	ProviderAnthropic  ProviderType = "anthropic"
)

// ParseProviderType parses a string into a ProviderType
func ParseProviderType(s string) (ProviderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai", "":
		return ProviderOpenAI, nil
	case "openrouter":
		return ProviderOpenRouter, nil
	case "anthropic":
		return ProviderAnthropic, nil
	default:
		return "", fmt.Errorf("unknown provider type: %s", s)
	}
}

// NewProvider creates a generation provider based on configuration
func NewProvider(genConfig *config.GenerationConfig) (Provider, error) {
	providerType, err := ParseProviderType(genConfig.Provider)
	if err != nil {
		return nil, err
	}

	var provider Provider
	switch providerType {
	case ProviderOpenRouter:
		provider = NewOpenRouterProvider(genConfig)
	case ProviderOpenAI:
		provider = NewOpenAIProvider(genConfig)
	case ProviderAnthropic:
		provider = NewAnthropicProvider(genConfig)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", providerType)
	}

	logger.Log.WithField("provider", providerType).WithField("model", provider.DefaultModel()).Info("Created generation provider")
	return provider, nil
}
