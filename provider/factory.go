package provider

import (
	"fmt"

	"flowrelay/model"
)

// Config holds per-vendor deployment settings for the default registry.
// Base URLs are optional; empty values select each vendor's public endpoint.
type Config struct {
	OpenAIBaseURL    string
	AnthropicBaseURL string
	GoogleBaseURL    string
	OllamaBaseURL    string
	// OllamaEnabled wires the local adapter and its "ollama/" namespace.
	// Deployments without a local server leave it off, making those models
	// resolve to ErrUnknownModel.
	OllamaEnabled bool
}

// defaultPrefixes is the static vendor namespace table. Model names are
// namespaced by vendor convention; an unmatched prefix is a resolution
// failure, never a silent default.
var defaultPrefixes = []struct {
	prefix   string
	provider model.ProviderID
}{
	{"gpt-", model.ProviderOpenAI},
	{"o1-", model.ProviderOpenAI},
	{"o3-", model.ProviderOpenAI},
	{"claude-", model.ProviderAnthropic},
	{"gemini-", model.ProviderGoogle},
	{ollamaModelPrefix, model.ProviderOllama},
}

// NewDefaultRegistry builds the production registry: the static prefix table
// plus one adapter per configured vendor.
func NewDefaultRegistry(cfg Config) (*Registry, error) {
	registry := NewRegistry()

	for _, rule := range defaultPrefixes {
		if rule.provider == model.ProviderOllama && !cfg.OllamaEnabled {
			continue
		}
		if err := registry.RegisterPrefix(rule.prefix, rule.provider); err != nil {
			return nil, fmt.Errorf("register prefix %q: %w", rule.prefix, err)
		}
	}

	if err := registry.RegisterAdapter(NewOpenAIAdapter(cfg.OpenAIBaseURL)); err != nil {
		return nil, err
	}
	if err := registry.RegisterAdapter(NewAnthropicAdapter(cfg.AnthropicBaseURL)); err != nil {
		return nil, err
	}
	if err := registry.RegisterAdapter(NewGoogleAdapter(cfg.GoogleBaseURL)); err != nil {
		return nil, err
	}
	if cfg.OllamaEnabled {
		ollama, err := NewOllamaAdapter(cfg.OllamaBaseURL)
		if err != nil {
			return nil, err
		}
		if err := registry.RegisterAdapter(ollama); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
