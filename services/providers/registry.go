package providers

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Registry is an insertion-ordered set of connectors keyed by name.
// It is built once and then only read, so it carries no lock.
type Registry struct {
	names      []string
	connectors map[string]Connector
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
	}
}

// Register appends a connector; order of registration is iteration order
func (r *Registry) Register(connector Connector) error {
	if connector == nil {
		return errors.New("connector cannot be nil")
	}

	name := connector.Name()
	if name == "" {
		return errors.New("connector name cannot be empty")
	}
	if _, exists := r.connectors[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, name)
	}

	r.names = append(r.names, name)
	r.connectors[name] = connector
	return nil
}

// Get retrieves a connector by name
func (r *Registry) Get(name string) (Connector, bool) {
	c, ok := r.connectors[name]
	return c, ok
}

// At returns the name at position i
func (r *Registry) At(i int) string {
	return r.names[i]
}

// Names returns a copy of the registered names in registration order
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Count returns the number of registered connectors
func (r *Registry) Count() int {
	return len(r.names)
}

// Each calls fn for every connector in registration order
func (r *Registry) Each(fn func(name string, c Connector)) {
	for _, name := range r.names {
		fn(name, r.connectors[name])
	}
}
