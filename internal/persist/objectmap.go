package persist

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
)

// Record is a self-describing value stored in an ObjectMap. Encode must
// produce a self-delimiting encoding that the matching Decoder consumes
// exactly.
type Record interface {
	Key() string
	Encode() []byte
}

// Decoder reads one Record from r. It returns io.EOF when r is exhausted
// before the first byte and io.ErrUnexpectedEOF when a record is cut short.
// It must not read past the end of its record.
type Decoder func(r io.Reader) (Record, error)

// ObjectMap is a durable map from domain key to Record.
type ObjectMap struct {
	path   string
	values map[string]Record
}

// NewObjectMap returns an empty map bound to path.
func NewObjectMap(path string) *ObjectMap {
	return &ObjectMap{path: path, values: make(map[string]Record)}
}

// Load streams the durable file through dec. A torn trailing record is
// dropped and the file rewritten without it.
func (m *ObjectMap) Load(dec Decoder) (Outcome, error) {
	data, err := readOptional(m.path)
	if err != nil {
		return Clean, err
	}

	values := make(map[string]Record)
	cr := &countingReader{r: bytes.NewReader(data)}
	good := 0
	outcome := Clean

	for good < len(data) {
		rec, err := dec(cr)
		if err == nil {
			values[rec.Key()] = rec
			good = cr.n
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			slog.Warn("discarding torn object record",
				"path", m.path,
				"offset", good,
				"dropped_bytes", len(data)-good,
			)
			if err := WriteFileAtomic(m.path, data[:good]); err != nil {
				return Clean, err
			}
			outcome = Recovered
			break
		}
		return Clean, fmt.Errorf("%w: %s at offset %d: %v", ErrCorrupt, m.path, good, err)
	}

	m.values = values
	return outcome, nil
}

// Flush atomically rewrites the durable file with every record, in key order.
func (m *ObjectMap) Flush() error {
	var buf bytes.Buffer
	for _, k := range m.Keys() {
		buf.Write(m.values[k].Encode())
	}
	return WriteFileAtomic(m.path, buf.Bytes())
}

func (m *ObjectMap) Get(key string) (Record, bool) {
	r, ok := m.values[key]
	return r, ok
}

// Put stores rec under its own key.
func (m *ObjectMap) Put(rec Record) {
	m.values[rec.Key()] = rec
}

func (m *ObjectMap) Delete(key string) {
	delete(m.values, key)
}

func (m *ObjectMap) Len() int {
	return len(m.values)
}

// Keys returns the keys in sorted order.
func (m *ObjectMap) Keys() []string {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Each calls fn for every record in key order.
func (m *ObjectMap) Each(fn func(Record)) {
	for _, k := range m.Keys() {
		fn(m.values[k])
	}
}
