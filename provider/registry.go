// Package provider implements the per-vendor streaming adapters and the
// registry that maps model names to them.
//
// flowrelay supports multiple LLM vendors (OpenAI, Anthropic, Google, local
// Ollama) behind the single model.Adapter contract. Each adapter owns the
// translation from its vendor's stream event format into model.StreamEvent,
// so the relay and everything above it stay vendor-agnostic.
//
// Model names are namespaced by vendor ("gpt-4o", "claude-3-haiku",
// "gemini-pro", "ollama/llama3.1"), and the Registry resolves a name to a
// vendor by prefix. The prefix table is fixed at startup; there is no
// process-wide registry, a Registry is constructed and injected so tests can
// wire fake adapters.
package provider

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"flowrelay/model"
)

// ErrUnknownModel indicates no registered prefix matches the model name.
// This is a client input error.
var ErrUnknownModel = errors.New("unknown model")

// ErrUnsupportedProvider indicates the model resolved to a vendor that has
// no adapter registered. This is a server configuration error, distinct from
// ErrUnknownModel.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// ErrPrefixConflict indicates an attempt to register a prefix that overlaps
// an existing one. Overlapping prefixes would make resolution order-dependent,
// so registration fails fast instead.
var ErrPrefixConflict = errors.New("model prefix conflict")

type prefixRule struct {
	prefix   string
	provider model.ProviderID
}

// Registry maps model-name prefixes to vendors and vendors to adapters.
// Registration happens during startup; after that the registry is read-only
// and safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	prefixes []prefixRule
	adapters map[model.ProviderID]model.Adapter
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[model.ProviderID]model.Adapter),
	}
}

// RegisterPrefix maps a model-name prefix to a vendor. A prefix that is a
// prefix of, or prefixed by, an already registered one is rejected with
// ErrPrefixConflict.
func (r *Registry) RegisterPrefix(prefix string, provider model.ProviderID) error {
	if prefix == "" {
		return errors.New("prefix must not be empty")
	}
	if provider == "" {
		return errors.New("provider must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rule := range r.prefixes {
		if strings.HasPrefix(prefix, rule.prefix) || strings.HasPrefix(rule.prefix, prefix) {
			return fmt.Errorf("%w: %q overlaps %q", ErrPrefixConflict, prefix, rule.prefix)
		}
	}

	r.prefixes = append(r.prefixes, prefixRule{prefix: prefix, provider: provider})
	return nil
}

// RegisterAdapter wires an adapter for its vendor. Registering a second
// adapter for the same vendor is an error.
func (r *Registry) RegisterAdapter(a model.Adapter) error {
	if a == nil {
		return errors.New("adapter must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.ID()]; exists {
		return fmt.Errorf("adapter for provider %q already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

// ResolveProvider maps a model name to its vendor by prefix. There is no
// silent default: an unmatched name fails with ErrUnknownModel.
func (r *Registry) ResolveProvider(modelName string) (model.ProviderID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.prefixes {
		if strings.HasPrefix(modelName, rule.prefix) {
			return rule.provider, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
}

// Adapter returns the adapter registered for the vendor, or
// ErrUnsupportedProvider when the vendor is known but not wired up.
func (r *Registry) Adapter(provider model.ProviderID) (model.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	return a, nil
}
