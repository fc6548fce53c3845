package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Key names a metadata field. The set of keys is closed: each message kind
// accepts only the keys listed in allowedKeys.
type Key string

const (
	// KeyTotal is the number of items the sender produced for the tenant.
	KeyTotal Key = "total"
	// KeyPeer identifies the upstream instance that sent the message.
	KeyPeer Key = "peer"
	// KeyRemaining is the item count still unaccounted for on a ring EOF.
	KeyRemaining Key = "remaining"
	// KeySent is the number of items emitted downstream so far on a ring EOF.
	KeySent Key = "sent"
	// KeyHops counts the ring instances an EOF has visited.
	KeyHops Key = "hops"
)

// MetadataVersion is written into every encoded metadata blob.
const MetadataVersion = 1

// MaxPeer is the largest peer identity representable on the wire.
const MaxPeer = 255

var allowedKeys = map[Kind]map[Key]bool{
	KindData: {KeyPeer: true},
	KindEOF:  {KeyTotal: true, KeyPeer: true, KeyRemaining: true, KeySent: true, KeyHops: true},
}

// Metadata is a typed key to integer mapping carried in the envelope.
type Metadata map[Key]int64

// Get returns the value for k and whether it is present.
func (m Metadata) Get(k Key) (int64, bool) {
	v, ok := m[k]
	return v, ok
}

// Peer returns the peer identity, if present.
func (m Metadata) Peer() (uint8, bool) {
	v, ok := m[KeyPeer]
	if !ok {
		return 0, false
	}
	return uint8(v), true
}

// Keys returns the present keys in sorted order.
func (m Metadata) Keys() []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Validate checks that every key is allowed for kind and every value is in
// range.
func (m Metadata) Validate(kind Kind) error {
	allowed := allowedKeys[kind]
	for _, k := range m.Keys() {
		if !allowed[k] {
			return fmt.Errorf("%w: metadata key %q not allowed on %s", ErrMalformed, k, kind)
		}
		v := m[k]
		if v < 0 {
			return fmt.Errorf("%w: metadata %q must be non-negative, got %d", ErrMalformed, k, v)
		}
		if k == KeyPeer && v > MaxPeer {
			return fmt.Errorf("%w: peer %d exceeds %d", ErrMalformed, v, MaxPeer)
		}
	}
	return nil
}

type metadataBlob struct {
	Version int           `json:"v"`
	Values  map[Key]int64 `json:"m"`
}

func (m Metadata) encode() ([]byte, error) {
	data, err := json.Marshal(metadataBlob{Version: MetadataVersion, Values: m})
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(data []byte) (Metadata, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var blob metadataBlob
	if err := dec.Decode(&blob); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after metadata", ErrMalformed)
	}
	if blob.Version != MetadataVersion {
		return nil, fmt.Errorf("%w: metadata version %d, want %d", ErrMalformed, blob.Version, MetadataVersion)
	}
	if len(blob.Values) == 0 {
		return nil, nil
	}
	return Metadata(blob.Values), nil
}
