package domain

import (
	"errors"
	"sort"
	"sync"
)

var ErrRegistryKeyExists = errors.New("registry key already exists")

// Registry is a keyed collection of live sessions. Entries leave only through Remove.
type Registry[V any] struct {
	mu      sync.RWMutex
	entries map[string]V
}

func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{entries: make(map[string]V)}
}

func (r *Registry[V]) Add(key string, v V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return ErrRegistryKeyExists
	}
	r.entries[key] = v
	return nil
}

func (r *Registry[V]) Get(key string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// Remove deletes key and reports whether it was present.
func (r *Registry[V]) Remove(key string) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	return v, ok
}

func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry[V]) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
