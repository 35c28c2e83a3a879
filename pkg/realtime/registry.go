package realtime

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrNotRegistered is returned by [Registry.Create] when no factory exists
// for the requested provider name.
var ErrNotRegistered = errors.New("realtime: provider not registered")

// ProviderConfig is the configuration handed to a provider factory. It
// mirrors the provider entry in the YAML configuration.
type ProviderConfig struct {
	// Name selects the registered factory (e.g. "openai-realtime").
	Name string

	// APIKey authenticates against the provider, where required.
	APIKey string

	// BaseURL overrides the provider endpoint. Used in tests to point at a
	// local mock server.
	BaseURL string

	// Model names the provider model to use.
	Model string

	// Options carries provider-specific extras (voice, temperature, …).
	Options map[string]any
}

// Factory constructs a [Provider] from its configuration entry.
type Factory func(cfg ProviderConfig) (Provider, error)

// Registry maps provider names to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Create instantiates the provider named in cfg. Returns
// [ErrNotRegistered] when the name is unknown.
func (r *Registry) Create(cfg ProviderConfig) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, cfg.Name)
	}
	return f(cfg)
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
