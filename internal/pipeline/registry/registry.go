package registry

import (
	"sync"

	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

/*
Registry is the process-wide step table: declarative registration means
the driver never hard-codes step identities, it selects by name and
trusts the registry to order correctly (spec.md §4.1).

Invariants:
	- Definitions register themselves at process start.
	- The registry is read-only once steps begin executing, but Register
	  itself is concurrency-safe since package init order across files is
	  not guaranteed.
	- Unlike a dispatch-table registry where a duplicate name is a fatal
	  wiring error, a duplicate step name here overwrites the previous
	  definition and logs a warning: re-registration happens deliberately
	  when a driver wants to patch a single step's behavior (e.g. tests
	  substituting a stub) without touching every other registration.
*/
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Definition
	// order preserves first-registration order for All()/Names() so
	// introspection output is stable across a process's lifetime even
	// after an overwrite.
	order []string
	log   *logger.Logger
}

func New(baseLog *logger.Logger) *Registry {
	return &Registry{
		steps: make(map[string]Definition),
		log:   baseLog.With("component", "StepRegistry"),
	}
}

// Register inserts def by name. A duplicate name overwrites the previous
// definition and logs a warning rather than failing (spec.md §4.1).
func (r *Registry) Register(def Definition) {
	if def.Name == "" {
		r.log.Error("refusing to register step with empty name")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[def.Name]; exists {
		r.log.Warn("overwriting existing step registration", "step", def.Name)
	} else {
		r.order = append(r.order, def.Name)
	}
	r.steps[def.Name] = def
}

// Get returns the definition registered under name, or false if none exists.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.steps[name]
	return d, ok
}

// All returns every registered definition in first-registration order.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.steps[name])
	}
	return out
}

// Names returns every registered step name in first-registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ResolveOrder performs a Kahn-style topological sort of requested,
// honoring depends_on strictly for ordering within the requested set: a
// dependency not present in requested is never pulled in (spec.md §4.3.2).
// Ties are broken by position in requested, so the result is deterministic
// given the same input. On a cycle, it logs an error and returns requested
// unchanged.
func (r *Registry) ResolveOrder(requested []string) []string {
	if len(requested) == 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestedSet := make(map[string]bool, len(requested))
	position := make(map[string]int, len(requested))
	for i, name := range requested {
		requestedSet[name] = true
		position[name] = i
	}

	// indegree[name] counts dependencies of name that are also requested.
	indegree := make(map[string]int, len(requested))
	// dependents[dep] lists requested steps that depend on dep.
	dependents := make(map[string][]string, len(requested))
	for _, name := range requested {
		def, ok := r.steps[name]
		if !ok {
			continue
		}
		for _, dep := range def.DependsOn {
			if !requestedSet[dep] {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	// ready holds requested names with indegree 0, kept sorted by original
	// position so ties break deterministically.
	ready := make([]string, 0, len(requested))
	for _, name := range requested {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	out := make([]string, 0, len(requested))
	for len(ready) > 0 {
		// Pop the lowest-original-position entry.
		bestIdx := 0
		for i := 1; i < len(ready); i++ {
			if position[ready[i]] < position[ready[bestIdx]] {
				bestIdx = i
			}
		}
		next := ready[bestIdx]
		ready = append(ready[:bestIdx], ready[bestIdx+1:]...)
		out = append(out, next)

		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(out) != len(requested) {
		r.log.Error("resolve_order: cycle detected among requested steps, returning input unchanged", "requested", requested)
		return requested
	}
	return out
}

// ToolSchema is the generic function-calling projection produced by
// ExportTools for a single step.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  ToolSchemaParameters    `json:"parameters"`
}

type ToolSchemaParameters struct {
	Type       string                      `json:"type"`
	Properties map[string]ToolSchemaField  `json:"properties"`
	Required   []string                    `json:"required"`
}

type ToolSchemaField struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ExportTools projects every step carrying a non-empty ToolParams list into
// a generic function-calling schema for external agent drivers (spec.md §4.1).
func (r *Registry) ExportTools() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0)
	for _, name := range r.order {
		def := r.steps[name]
		if len(def.ToolParams) == 0 {
			continue
		}
		props := make(map[string]ToolSchemaField, len(def.ToolParams))
		required := make([]string, 0)
		for _, p := range def.ToolParams {
			props[p.Name] = ToolSchemaField{Type: "string", Description: p.Description}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		out = append(out, ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters: ToolSchemaParameters{
				Type:       "object",
				Properties: props,
				Required:   required,
			},
		})
	}
	return out
}
