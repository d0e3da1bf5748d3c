package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/jobkeeper/errors"
)

// Job is user-supplied work executed by the scheduler.
//
// The scheduler constructs a fresh Job for every firing through the factory
// registered for the descriptor's handler name, replays the stored parameters
// through SetAttributes, then calls Execute inside the firing's transaction.
// Database writes made through the transaction manager roll back when Execute
// fails.
type Job interface {
	Execute(ctx context.Context) error
	SetAttributes(attrs map[string]string) error
	Name() string
	Description() string
}

// Factory creates a new, unconfigured Job.
type Factory func() Job

// ErrUnknownHandler is returned when no factory is registered for a handler name.
var ErrUnknownHandler = errors.New("unknown job handler")

// Registry maps handler names to job factories. It replaces loading job
// types by name at runtime: every job kind is registered at startup.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under handlerName.
// Panics if the name is empty or already registered.
func (r *Registry) Register(handlerName string, factory Factory) {
	if handlerName == "" || factory == nil {
		panic("schedule: Register requires a handler name and factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[handlerName]; exists {
		panic(fmt.Sprintf("job handler already registered: %s", handlerName))
	}
	r.factories[handlerName] = factory
}

// Has reports whether handlerName is registered.
func (r *Registry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[handlerName]
	return ok
}

// Names returns the registered handler names, sorted.
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

// New constructs a job for handlerName and applies attrs.
func (r *Registry) New(handlerName string, attrs map[string]string) (Job, error) {
	r.mu.RLock()
	factory, ok := r.factories[handlerName]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandler, "handler %q", handlerName)
	}

	job := factory()
	if attrs == nil {
		attrs = map[string]string{}
	}
	if err := job.SetAttributes(attrs); err != nil {
		return nil, errors.Wrapf(err, "set attributes on %s", handlerName)
	}
	return job, nil
}
