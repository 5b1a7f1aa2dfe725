package strategy

import (
	"sort"
	"strings"
	"sync"

	"github.com/quantbridge/quantbridge/errs"
)

// Registry is the build-time strategy table plus whatever the script loader
// contributed. Names are case-insensitive.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Registering a name that already exists is a
// conflict; scripted reloads go through ReplaceScripted instead.
func (r *Registry) Register(def Definition) error {
	name := strings.ToLower(strings.TrimSpace(def.Meta.Name))
	if name == "" {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("strategy name required"))
	}
	if def.New == nil {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("strategy "+name+" missing factory"))
	}
	for _, spec := range def.Meta.Params {
		if strings.TrimSpace(spec.Name) == "" {
			return errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("strategy "+name+" has a parameter without a name"))
		}
		if strings.TrimSpace(string(spec.Type)) == "" {
			return errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("strategy "+name+" parameter "+spec.Name+" missing type"))
		}
	}
	def.Meta.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[name]; exists {
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("strategy "+name+" already registered"))
	}
	r.defs[name] = def
	return nil
}

// ReplaceScripted swaps the scripted subset of the registry for the given
// definitions. Names colliding with built-ins are reported back and skipped.
func (r *Registry) ReplaceScripted(defs []Definition) []error {
	r.mu.Lock()
	for name, def := range r.defs {
		if def.Scripted {
			delete(r.defs, name)
		}
	}
	r.mu.Unlock()

	var failed []error
	for _, def := range defs {
		def.Scripted = true
		if err := r.Register(def); err != nil {
			failed = append(failed, err)
		}
	}
	return failed
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.ToLower(strings.TrimSpace(name))]
	return def, ok
}

// Catalog returns all registered metadata sorted by name.
func (r *Registry) Catalog() []Metadata {
	r.mu.RLock()
	out := make([]Metadata, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, CloneMetadata(def.Meta))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports how many strategies are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
