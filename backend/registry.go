package backend

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrUnknownBackend is returned when a backend id has no registered factory.
var ErrUnknownBackend = errors.New("unknown backend")

// DefaultID is the backend used when none is configured.
const DefaultID = "standard"

// Options configures a backend instance.
type Options struct {
	Logger *zap.SugaredLogger

	// Locale is the initial locale, if the engine has locales.
	Locale string
	// LaunchFile is executed before the first prompt.
	LaunchFile string
	// EnableAttach allows AttachProcess.
	EnableAttach bool
	// Settings holds backend-specific values, such as the container image.
	Settings map[string]string
}

// Setting returns Settings[key], or def if unset.
func (o Options) Setting(key, def string) string {
	if v, ok := o.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// Factory builds a backend that reports to host.
type Factory func(host Host, opts Options) (Backend, error)

// Registry maps backend ids to factories. It is immutable once built.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds a registry from the given factories.
func NewRegistry(factories map[string]Factory) *Registry {
	r := &Registry{factories: make(map[string]Factory, len(factories))}
	for id, f := range factories {
		r.factories[id] = f
	}
	return r
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.factories[id]
	return ok
}

// New builds the backend registered under id. An empty id selects DefaultID.
func (r *Registry) New(id string, host Host, opts Options) (Backend, error) {
	if id == "" {
		id = DefaultID
	}
	f, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownBackend, id, strings.Join(r.IDs(), ", "))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	b, err := f(host, opts)
	if err != nil {
		return nil, fmt.Errorf("building %s backend: %w", id, err)
	}
	return b, nil
}
