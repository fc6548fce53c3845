package persist

import (
	"encoding/json"
	"fmt"
	"sort"
)

// KVMap is a durable string-keyed map of small JSON-encodable values.
type KVMap[V any] struct {
	path   string
	values map[string]V
}

// NewKVMap returns an empty map bound to path. Call Load to read it.
func NewKVMap[V any](path string) *KVMap[V] {
	return &KVMap[V]{path: path, values: make(map[string]V)}
}

// Path returns the durable file location.
func (m *KVMap[V]) Path() string {
	return m.path
}

// Load replaces the in-memory content with the durable file's. A missing or
// empty file yields an empty map.
func (m *KVMap[V]) Load() (Outcome, error) {
	data, err := readOptional(m.path)
	if err != nil {
		return Clean, err
	}
	values := make(map[string]V)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return Clean, fmt.Errorf("%w: %s: %v", ErrCorrupt, m.path, err)
		}
	}
	m.values = values
	return Clean, nil
}

// Flush atomically rewrites the durable file with the whole map.
func (m *KVMap[V]) Flush() error {
	data, err := json.Marshal(m.values)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.path, err)
	}
	return WriteFileAtomic(m.path, data)
}

func (m *KVMap[V]) Get(key string) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *KVMap[V]) Set(key string, v V) {
	m.values[key] = v
}

func (m *KVMap[V]) Delete(key string) {
	delete(m.values, key)
}

func (m *KVMap[V]) Len() int {
	return len(m.values)
}

// Keys returns the keys in sorted order.
func (m *KVMap[V]) Keys() []string {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
