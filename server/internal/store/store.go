package store

import (
	"sort"
	"sync"
)

// Repository is the id-keyed storage contract used by the engine components.
type Repository[V any] interface {
	Get(id string) (V, bool)
	Put(id string, v V)
	Delete(id string) bool
	Values() []V
	Keys() []string
	Count() int
}

// Map is a thread-safe in-memory Repository.
type Map[V any] struct {
	mu   sync.RWMutex
	data map[string]V
}

// NewMap creates an empty Map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{data: make(map[string]V)}
}

// Put stores or replaces the value for id.
func (m *Map[V]) Put(id string, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = v
}

// Get returns the value for id and whether it was found.
func (m *Map[V]) Get(id string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[id]
	return v, ok
}

// Delete removes id. It reports whether an entry was removed.
func (m *Map[V]) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		return false
	}
	delete(m.data, id)
	return true
}

// Values returns every stored value ordered by id.
func (m *Map[V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.data[k])
	}
	return out
}

// Keys returns the stored ids in sorted order.
func (m *Map[V]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of entries.
func (m *Map[V]) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Evict removes every entry for which expired returns true and returns the
// number of entries removed.
func (m *Map[V]) Evict(expired func(id string, v V) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, v := range m.data {
		if expired(id, v) {
			delete(m.data, id)
			removed++
		}
	}
	return removed
}
