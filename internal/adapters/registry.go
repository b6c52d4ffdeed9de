package adapters

import (
	"sort"
	"sync"

	"github.com/glyphware/grimoire/pkg/schema"
)

// Registry maps backend names to adapters.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) error {
	if a.Name() == "" {
		return schema.NewError(schema.ErrCodeValidation, "adapter name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[a.Name()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "adapter already registered: %s", a.Name())
	}
	r.backends[a.Name()] = a
	return nil
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.backends[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "adapter not found: %s", name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
