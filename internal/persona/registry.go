package persona

import (
	"context"
	"fmt"
	"sync"
)

// Registry is the read interface the orchestrator uses to look personas up.
// All lookups are tenant-scoped; a persona owned by another tenant is
// indistinguishable from a missing one.
//
// Implementations return normalised snapshots (see [Persona.Normalize]) and
// must be safe for concurrent use.
type Registry interface {
	// List returns all personas owned by the tenant, in registry order.
	List(ctx context.Context, tenantID string) ([]Persona, error)

	// Get returns the persona with the given handle, or ErrNotFound.
	Get(ctx context.Context, tenantID, handle string) (*Persona, error)
}

// Ensure StaticRegistry implements the Registry interface at compile time.
var _ Registry = (*StaticRegistry)(nil)

// StaticRegistry serves the same fixed persona set to every tenant. It backs
// single-tenant deployments configured from a YAML persona file and is the
// registry of choice in tests.
type StaticRegistry struct {
	mu       sync.RWMutex
	personas []Persona
}

// NewStaticRegistry constructs a registry over the given personas. Each
// persona is normalised once on construction.
func NewStaticRegistry(personas []Persona) *StaticRegistry {
	cp := make([]Persona, len(personas))
	copy(cp, personas)
	for i := range cp {
		cp[i].Normalize()
	}
	return &StaticRegistry{personas: cp}
}

// List implements Registry.
func (r *StaticRegistry) List(ctx context.Context, tenantID string) ([]Persona, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("persona: list: %w", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Persona, len(r.personas))
	copy(result, r.personas)
	return result, nil
}

// Get implements Registry.
func (r *StaticRegistry) Get(ctx context.Context, tenantID, handle string) (*Persona, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("persona: get: %w", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.personas {
		if r.personas[i].Handle == handle {
			cp := r.personas[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("persona: get %q: %w", handle, ErrNotFound)
}

// Replace swaps the registry contents, normalising the new set. Used by
// config reload.
func (r *StaticRegistry) Replace(personas []Persona) {
	cp := make([]Persona, len(personas))
	copy(cp, personas)
	for i := range cp {
		cp[i].Normalize()
	}
	r.mu.Lock()
	r.personas = cp
	r.mu.Unlock()
}
