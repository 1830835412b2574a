package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	benchErrors "github.com/arkilian/iobench/internal/errors"
)

// Factory creates a backend instance.
type Factory func() Backend

// Registry maps backend ids to implementations. Each id has at most one
// live instance per process.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	aliases   map[string]string
	instances map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		aliases:   make(map[string]string),
		instances: make(map[string]Backend),
	}
}

// Register adds a backend under id and any aliases.
func (r *Registry) Register(id string, f Factory, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id = normalize(id)
	if _, dup := r.factories[id]; dup {
		panic(fmt.Sprintf("backend %q registered twice", id))
	}
	r.factories[id] = f
	for _, a := range aliases {
		r.aliases[normalize(a)] = id
	}
}

// Resolve maps an implementation name to a registered backend id.
func (r *Registry) Resolve(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := normalize(name)
	if _, ok := r.factories[n]; ok {
		return n, nil
	}
	if id, ok := r.aliases[n]; ok {
		return id, nil
	}
	return "", benchErrors.NewResolutionError(benchErrors.CodeUnknownBackend,
		fmt.Sprintf("unknown implementation %q (available: %s)", name, strings.Join(r.idsLocked(), ", ")))
}

// Instance returns the backend instance for a resolved id, creating it on first use.
func (r *Registry) Instance(id string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.instances[id]; ok {
		return b, nil
	}
	f, ok := r.factories[id]
	if !ok {
		return nil, benchErrors.NewResolutionError(benchErrors.CodeUnknownBackend, fmt.Sprintf("backend %q is not registered", id))
	}
	b := f()
	r.instances[id] = b
	return b, nil
}

// IDs returns the registered backend ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
