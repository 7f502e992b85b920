package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/router"
)

// Binding is a registered backend for one alias.
type Binding struct {
	Alias   router.ModelAlias
	Model   string
	Backend string
	Invoker Invoker
}

// Registry is a thread-safe map from alias to backend.
type Registry struct {
	mu       sync.RWMutex
	bindings map[router.ModelAlias]Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[router.ModelAlias]Binding),
	}
}

// Register binds an alias to a backend.
// Returns ErrProviderUnavailable if the alias is already bound.
func (r *Registry) Register(b Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.Invoker == nil {
		return domain.NewEngineError(domain.ErrBackendNotConfigured.Code, fmt.Sprintf("alias %s has no invoker", b.Alias))
	}
	if _, exists := r.bindings[b.Alias]; exists {
		return domain.NewEngineError(
			domain.ErrProviderUnavailable.Code,
			fmt.Sprintf("alias %s already registered", b.Alias),
		)
	}
	r.bindings[b.Alias] = b
	return nil
}

// Get returns the binding for alias, or ErrBackendNotConfigured.
func (r *Registry) Get(alias router.ModelAlias) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[alias]
	if !ok {
		return Binding{}, domain.NewEngineError(
			domain.ErrBackendNotConfigured.Code,
			fmt.Sprintf("no backend configured for alias %s", alias),
		)
	}
	return b, nil
}

// List returns all bound aliases in sorted order.
func (r *Registry) List() []router.ModelAlias {
	r.mu.RLock()
	defer r.mu.RUnlock()

	aliases := make([]router.ModelAlias, 0, len(r.bindings))
	for alias := range r.bindings {
		aliases = append(aliases, alias)
	}
	sort.Slice(aliases, func(i, j int) bool {
		return aliases[i] < aliases[j]
	})
	return aliases
}
