// registry.go implements ResolverRegistry, which stores and retrieves resolver
// builder functions keyed by ProviderKind for use during instantiation.
package vcs

import (
	"fmt"
	"sync"
)

// ResolverBuilder is a function that constructs a ReferenceResolver.
type ResolverBuilder func(settings *ResolverSettings) (ReferenceResolver, error)

// ResolverRegistry manages available resolver implementations.
type ResolverRegistry struct {
	mu       sync.RWMutex
	builders map[ProviderKind]ResolverBuilder
}

// NewResolverRegistry creates an empty registry.
func NewResolverRegistry() *ResolverRegistry {
	return &ResolverRegistry{
		builders: make(map[ProviderKind]ResolverBuilder),
	}
}

// Register adds a resolver builder for a provider kind.
func (r *ResolverRegistry) Register(kind ProviderKind, builder ResolverBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = builder
}

// Build creates a resolver instance for the given settings.
func (r *ResolverRegistry) Build(settings *ResolverSettings) (ReferenceResolver, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	builder, found := r.builders[settings.Kind]
	r.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf("%w: %s", ErrResolverUnavailable, settings.Kind)
	}

	return builder(settings)
}

// AvailableKinds returns all registered provider kinds.
func (r *ResolverRegistry) AvailableKinds() []ProviderKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]ProviderKind, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	return kinds
}

// HasKind checks if a provider kind is registered.
func (r *ResolverRegistry) HasKind(kind ProviderKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.builders[kind]
	return found
}

// GlobalRegistry is the default resolver registry.
var GlobalRegistry = NewResolverRegistry()

// RegisterResolver adds a builder to the global registry.
func RegisterResolver(kind ProviderKind, builder ResolverBuilder) {
	GlobalRegistry.Register(kind, builder)
}

// BuildResolver creates a resolver using the global registry.
func BuildResolver(settings *ResolverSettings) (ReferenceResolver, error) {
	return GlobalRegistry.Build(settings)
}
