package service

import (
	"sort"
	"strings"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

// EntityStoreRegistry resolves an entity type to its workflow module and to
// the adapter owning its state.
type EntityStoreRegistry struct {
	modules map[string]repository.Module
	stores  map[string]EntityStateStore
}

// NewEntityStoreRegistry builds a registry from an entity-type to module
// mapping. Entity types are case-insensitive.
func NewEntityStoreRegistry(modules map[string]string) (*EntityStoreRegistry, error) {
	r := &EntityStoreRegistry{
		modules: make(map[string]repository.Module, len(modules)),
		stores:  make(map[string]EntityStateStore, len(modules)),
	}
	for entityType, module := range modules {
		m := repository.Module(strings.ToUpper(strings.TrimSpace(module)))
		if !m.Valid() {
			return nil, errors.InvalidInput("module", "entity type "+entityType+" mapped to unknown module "+module)
		}
		r.modules[canonicalType(entityType)] = m
	}
	return r, nil
}

// Register attaches the state adapter for an entity type.
func (r *EntityStoreRegistry) Register(entityType string, store EntityStateStore) {
	r.stores[canonicalType(entityType)] = store
}

// Module returns the workflow module of entityType.
func (r *EntityStoreRegistry) Module(entityType string) (repository.Module, bool) {
	m, ok := r.modules[canonicalType(entityType)]
	return m, ok
}

// Store returns the state adapter of entityType.
func (r *EntityStoreRegistry) Store(entityType string) (EntityStateStore, bool) {
	s, ok := r.stores[canonicalType(entityType)]
	return s, ok
}

// EntityTypes lists the mapped entity types in sorted order.
func (r *EntityStoreRegistry) EntityTypes() []string {
	out := make([]string, 0, len(r.modules))
	for t := range r.modules {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func canonicalType(entityType string) string {
	return strings.ToUpper(strings.TrimSpace(entityType))
}
