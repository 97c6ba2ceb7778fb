package registry

import (
	"fmt"
	"sort"
	"sync"

	"stockfeed/internal/domain"
)

// Factory builds an adapter from a decrypted configuration.
type Factory func(cfg *domain.ProviderConfiguration) (domain.Adapter, error)

type entry struct {
	factory      Factory
	capabilities domain.ProviderCapabilities
}

// Registry is the process-wide catalog of provider types. Nothing can route
// traffic to a type that is not registered here. State lives only for the
// process lifetime.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a provider type. Registering an existing name fails with
// ErrDuplicateProvider; callers never observe a half-registered provider.
func (r *Registry) Register(name string, f Factory, caps domain.ProviderCapabilities) error {
	if name == "" || f == nil {
		return fmt.Errorf("registry: name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateProvider, name)
	}
	r.entries[name] = entry{factory: f, capabilities: caps}
	return nil
}

// Unregister removes a provider type.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrProviderNotFound, name)
	}
	delete(r.entries, name)
	return nil
}

// Create builds an adapter for the named type from the given configuration.
func (r *Registry) Create(name string, cfg *domain.ProviderConfiguration) (domain.Adapter, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, name)
	}
	adapter, err := e.factory(cfg)
	if err != nil {
		return nil, &domain.AdapterConstructionError{Provider: name, Err: err}
	}
	return adapter, nil
}

// Capabilities returns the declared capabilities of the named type.
func (r *Registry) Capabilities(name string) (domain.ProviderCapabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return domain.ProviderCapabilities{}, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, name)
	}
	return e.capabilities, nil
}

// Providers lists registered type names, sorted for stable output.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FilterByCapability returns the names whose capabilities satisfy the
// predicate, sorted.
func (r *Registry) FilterByCapability(pred func(domain.ProviderCapabilities) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if pred(e.capabilities) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
