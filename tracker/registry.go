package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Registry holds trackers by namespace and tracks a default one.
//
// The first tracker registered becomes the default. Removing the default
// leaves the registry without one until SetDefault is called.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
	def      string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{trackers: make(map[string]*Tracker)}
}

// Register adds t under its namespace.
func (r *Registry) Register(t *Tracker) error {
	if t == nil {
		return fmt.Errorf("%w: tracker must not be nil", ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trackers[t.namespace]; ok {
		return fmt.Errorf("%w: %q", ErrTrackerExists, t.namespace)
	}
	r.trackers[t.namespace] = t
	if len(r.trackers) == 1 {
		r.def = t.namespace
	}
	return nil
}

// Create builds a tracker for namespace and registers it.
func (r *Registry) Create(namespace string, emitter *Emitter, opts ...TrackerOption) (*Tracker, error) {
	t, err := NewTracker(namespace, emitter, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Register(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Lookup returns the tracker registered under namespace.
func (r *Registry) Lookup(namespace string) (*Tracker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTrackerNotFound, namespace)
	}
	return t, nil
}

// Default returns the default tracker.
func (r *Registry) Default() (*Tracker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[r.def]
	if !ok {
		return nil, fmt.Errorf("%w: no default tracker", ErrTrackerNotFound)
	}
	return t, nil
}

// SetDefault makes the tracker under namespace the default.
func (r *Registry) SetDefault(namespace string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trackers[namespace]; !ok {
		return fmt.Errorf("%w: %q", ErrTrackerNotFound, namespace)
	}
	r.def = namespace
	return nil
}

// Remove unregisters the tracker under namespace and shuts it down.
func (r *Registry) Remove(ctx context.Context, namespace string) error {
	r.mu.Lock()
	t, ok := r.trackers[namespace]
	if ok {
		delete(r.trackers, namespace)
		if r.def == namespace {
			r.def = ""
		}
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrTrackerNotFound, namespace)
	}
	return t.Shutdown(ctx)
}

// Namespaces returns the registered namespaces in sorted order.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.trackers)
}

// HandleLifecycle forwards ev to every registered tracker.
func (r *Registry) HandleLifecycle(ev LifecycleEvent) {
	for _, t := range r.snapshot() {
		t.HandleLifecycle(ev)
	}
}

// Shutdown removes and shuts down every tracker. All trackers are attempted;
// the errors are joined.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	trackers := make([]*Tracker, 0, len(r.trackers))
	for _, ns := range sortedKeys(r.trackers) {
		trackers = append(trackers, r.trackers[ns])
	}
	r.trackers = make(map[string]*Tracker)
	r.def = ""
	r.mu.Unlock()

	var errs []error
	for _, t := range trackers {
		if err := t.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %q: %w", t.namespace, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) snapshot() []*Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tracker, 0, len(r.trackers))
	for _, ns := range sortedKeys(r.trackers) {
		out = append(out, r.trackers[ns])
	}
	return out
}

func sortedKeys(m map[string]*Tracker) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
