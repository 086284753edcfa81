package tool

import (
	"sort"
	"sync"

	"github.com/convograph/convograph-go/graph/auth"
	"github.com/convograph/convograph-go/graph/model"
)

// Registry holds tool definitions by name. Safe for concurrent use;
// registration normally happens once at startup but nothing prevents
// late additions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register validates and adds a tool definition. Duplicate names, missing
// Execute functions, and risk levels outside 1..5 are rejected.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return &ValidationError{Tool: def.Name, Msg: "tool name cannot be empty"}
	}
	if def.Execute == nil {
		return &ValidationError{Tool: def.Name, Msg: "tool has no Execute function"}
	}
	if def.RiskLevel < 1 || def.RiskLevel > 5 {
		return &ValidationError{Tool: def.Name, Field: "riskLevel", Msg: "must be between 1 and 5"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return &ValidationError{Tool: def.Name, Msg: "tool already registered"}
	}
	r.tools[def.Name] = def
	return nil
}

// Get returns the named definition.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subset returns the definitions the given principal is allowed to invoke,
// sorted by name. Used to scope catalogs and LLM tool menus to the caller.
func (r *Registry) Subset(p auth.Principal) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []Definition
	for _, def := range r.tools {
		if p.Role < def.MinimumRole {
			continue
		}
		if !hasAllPermissions(p, def.RequiredPermissions) {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Specs converts the principal's allowed tools into model.ToolSpec entries
// for prompting.
func (r *Registry) Specs(p auth.Principal) []model.ToolSpec {
	defs := r.Subset(p)
	specs := make([]model.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, model.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.InputSchema,
		})
	}
	return specs
}

func hasAllPermissions(p auth.Principal, required []string) bool {
	for _, perm := range required {
		if !p.HasPermission(perm) {
			return false
		}
	}
	return true
}
