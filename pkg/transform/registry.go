package transform

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ErrUnknownKind is returned when a build file names a transform nobody registered.
var ErrUnknownKind = errors.New("unknown transform kind")

// Spec is the build-file description of a transform.
type Spec struct {
	Kind    string            // Registered kind, e.g. "exec" or "copy"
	Command []string          // exec: program and arguments
	Base    string            // copy: directory the copied paths are made relative to
	Env     map[string]string // exec: extra environment
}

// Factory builds a Transform from its Spec.
type Factory func(spec Spec) (Transform, error)

// Registry maps transform kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the generic "exec" and "copy" kinds,
// both operating on fs.
func DefaultRegistry(fs afero.Fs) *Registry {
	r := NewRegistry()
	r.Register("exec", func(spec Spec) (Transform, error) {
		if len(spec.Command) == 0 {
			return nil, errors.New("exec transform requires a command")
		}
		return &Exec{Command: spec.Command, Env: spec.Env}, nil
	})
	r.Register("copy", func(spec Spec) (Transform, error) {
		return &Copy{Fs: fs, Base: spec.Base}, nil
	})
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New builds the transform described by spec.
func (r *Registry) New(spec Spec) (Transform, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "%q (known: %v)", spec.Kind, r.Kinds())
	}
	t, err := f(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s transform", spec.Kind)
	}
	return t, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
