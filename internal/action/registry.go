package action

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory constructs an action for the requested version. An empty version
// asks for the latest one.
type Factory func(version string) (Action, error)

// Registry maintains known action factories keyed by name. Steps resolve
// their `uses` reference through it while the plan is built, so a run never
// looks an action up by string once it has started.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs an action factory. Returns an error if the name already exists.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("action: name is required")
	}
	if strings.Contains(name, "@") {
		return fmt.Errorf("action: name %s must not contain a version", name)
	}
	if factory == nil {
		return fmt.Errorf("action: factory is required for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("action: %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Resolve constructs the action named by a `uses` reference (name@version).
func (r *Registry) Resolve(ref string) (Action, error) {
	name, version, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("action: unknown action %s", name)
	}
	act, err := factory(version)
	if err != nil {
		return nil, fmt.Errorf("action: %s: %w", ref, err)
	}
	if err := act.Info().Validate(); err != nil {
		return nil, err
	}
	return act, nil
}

// Names returns a sorted list of registered action names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseRef splits "name@version". The version part is optional.
func ParseRef(ref string) (name, version string, err error) {
	ref = strings.TrimSpace(ref)
	name, version, _ = strings.Cut(ref, "@")
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" {
		return "", "", fmt.Errorf("action: reference %q has no name", ref)
	}
	if strings.Contains(version, "@") {
		return "", "", fmt.Errorf("action: reference %q has more than one version", ref)
	}
	return name, version, nil
}

// VersionOneOf returns a Factory helper that accepts the listed versions plus
// the empty (latest) version.
func VersionOneOf(build func() Action, versions ...string) Factory {
	return func(version string) (Action, error) {
		if version == "" {
			return build(), nil
		}
		for _, v := range versions {
			if v == version {
				return build(), nil
			}
		}
		return nil, fmt.Errorf("unsupported version %q (have %s)", version, strings.Join(versions, ", "))
	}
}
