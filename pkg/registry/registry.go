// Package registry provides a generic, thread-safe named registry used by
// the LLM and toolbox registries.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// BaseRegistry is a generic registry of named entries.
type BaseRegistry[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// NewBaseRegistry creates an empty registry.
func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return &BaseRegistry[T]{
		entries: make(map[string]T),
	}
}

// Register adds an entry under name. Duplicate names are an error.
func (r *BaseRegistry[T]) Register(name string, entry T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("entry %q already registered", name)
	}
	r.entries[name] = entry
	return nil
}

// Get returns the entry registered under name.
func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	return entry, exists
}

// List returns all entries.
func (r *BaseRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]T, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	return entries
}

// Names returns all registered names, sorted.
func (r *BaseRegistry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove deletes the entry registered under name.
func (r *BaseRegistry[T]) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("entry %q not found", name)
	}
	delete(r.entries, name)
	return nil
}

// Len returns the number of registered entries.
func (r *BaseRegistry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
