package transfer

import "sync"

// Registry maps transfer ids to live transfer state for one connection.
// Removal is the ownership handoff: whichever caller removes an entry is
// the one that performs its terminal transition.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]T
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]T)}
}

// Insert adds v under id. It returns false and leaves the registry
// unchanged if id is already present.
func (r *Registry[T]) Insert(id string, v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return false
	}
	r.entries[id] = v
	return true
}

// Get returns the entry for id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	return v, ok
}

// Remove deletes and returns the entry for id.
func (r *Registry[T]) Remove(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return v, ok
}

// Drain removes and returns every entry.
func (r *Registry[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.entries))
	for id, v := range r.entries {
		out = append(out, v)
		delete(r.entries, id)
	}
	return out
}

// Len returns the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
