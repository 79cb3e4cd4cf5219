package provider

import (
	"fmt"
	"strings"
	"sync"
)

// ModelRef is a fully resolved model selection: a registered provider
// instance plus a model id it serves.
type ModelRef struct {
	InstanceID string
	ModelID    string
}

// IsZero returns true if the ref selects nothing.
func (r ModelRef) IsZero() bool {
	return r.InstanceID == "" && r.ModelID == ""
}

// String returns the "instanceId:modelId" form of the ref.
func (r ModelRef) String() string {
	return r.InstanceID + ":" + r.ModelID
}

// Settings maps the symbolic model classes to concrete refs and carries
// the session default used when a spec names no model.
type Settings struct {
	Default ModelRef
	Fast    ModelRef
	Smart   ModelRef
}

// NewAgentSpec is the parsed form of "new:<persona>[;<modelSpec>]".
// The model spec is stored as written and resolved only at spawn time.
type NewAgentSpec struct {
	Persona string
	Model   string
}

// String returns the wire form of the spec.
func (s NewAgentSpec) String() string {
	if s.Model == "" {
		return "new:" + s.Persona
	}
	return "new:" + s.Persona + ";" + s.Model
}

// ParseNewAgentSpec parses "new:<persona>[;<modelSpec>]".
func ParseNewAgentSpec(raw string) (NewAgentSpec, error) {
	rest, ok := strings.CutPrefix(raw, "new:")
	if !ok {
		return NewAgentSpec{}, fmt.Errorf("%w: %q is missing the new: prefix", ErrInvalidModelSpec, raw)
	}

	persona, model, _ := strings.Cut(rest, ";")
	if persona == "" {
		return NewAgentSpec{}, fmt.Errorf("%w: %q has an empty persona", ErrInvalidModelSpec, raw)
	}

	return NewAgentSpec{Persona: persona, Model: model}, nil
}

// ResolveModelSpec resolves a model spec string against user settings:
// "" selects the session default, "fast" and "smart" select the mapped
// classes, and "instanceId:modelId" is parsed literally. Anything else
// fails with ErrInvalidModelSpec before any events are written.
func ResolveModelSpec(spec string, settings Settings) (ModelRef, error) {
	switch spec {
	case "":
		if settings.Default.IsZero() {
			return ModelRef{}, fmt.Errorf("%w: no session default configured", ErrInvalidModelSpec)
		}
		return settings.Default, nil
	case "fast":
		if settings.Fast.IsZero() {
			return ModelRef{}, fmt.Errorf("%w: no mapping for %q in user settings", ErrInvalidModelSpec, spec)
		}
		return settings.Fast, nil
	case "smart":
		if settings.Smart.IsZero() {
			return ModelRef{}, fmt.Errorf("%w: no mapping for %q in user settings", ErrInvalidModelSpec, spec)
		}
		return settings.Smart, nil
	}

	instance, model, ok := strings.Cut(spec, ":")
	if !ok || instance == "" || model == "" {
		return ModelRef{}, fmt.Errorf("%w: %q is neither a model class nor instanceId:modelId", ErrInvalidModelSpec, spec)
	}

	return ModelRef{InstanceID: instance, ModelID: model}, nil
}

// Factory constructs a Provider bound to one model of an instance.
type Factory func(modelID string) (Provider, error)

// Registry maps provider instance ids to factories. It is the spawn-time
// half of model resolution: a resolved ModelRef is turned into a live
// Provider here.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds an instance factory. Registering an existing id
// replaces it.
func (r *Registry) Register(instanceID string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[instanceID] = factory
}

// Get constructs a provider for the given ref.
func (r *Registry) Get(ref ModelRef) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[ref.InstanceID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, ref.InstanceID)
	}
	return factory(ref.ModelID)
}

// Instances returns all registered instance ids.
func (r *Registry) Instances() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}
