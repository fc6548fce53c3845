package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies what a message carries.
type Kind uint8

const (
	KindData Kind = 0
	KindEOF  Kind = 1
	KindAck  Kind = 2
	KindNack Kind = 3
)

var kindNames = map[Kind]string{
	KindData: "DATA",
	KindEOF:  "EOF",
	KindAck:  "ACK",
	KindNack: "NACK",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ErrMalformed is wrapped by every decode failure in this package.
var ErrMalformed = errors.New("malformed message")

const (
	idSize        = 16
	kindSize      = 1
	metaLenSize   = 4
	envelopeFixed = idSize + idSize + kindSize + metaLenSize
)

// Message is the unit exchanged between stages.
//
// For DATA messages ID is the chunk ID and Payload holds the encoded item
// list (see EncodeItems). For EOF messages Meta carries the sender's item
// total and, towards synchronizers, the sender's peer identity.
type Message struct {
	ID      uuid.UUID
	Tenant  uuid.UUID
	Kind    Kind
	Meta    Metadata
	Payload []byte
}

// NewData builds a DATA message for a chunk of items.
func NewData(chunkID, tenant uuid.UUID, items [][]byte, meta Metadata) Message {
	return Message{
		ID:      chunkID,
		Tenant:  tenant,
		Kind:    KindData,
		Meta:    meta,
		Payload: EncodeItems(items),
	}
}

// NewEOF builds an EOF message announcing total items for the tenant.
// Additional metadata (peer, ring counters) is merged from extra.
func NewEOF(id, tenant uuid.UUID, total int64, extra Metadata) Message {
	meta := Metadata{KeyTotal: total}
	for k, v := range extra {
		meta[k] = v
	}
	return Message{
		ID:     id,
		Tenant: tenant,
		Kind:   KindEOF,
		Meta:   meta,
	}
}

// Items decodes the payload of a DATA message.
func (m Message) Items() ([][]byte, error) {
	if m.Kind != KindData {
		return nil, fmt.Errorf("%w: %s message has no items", ErrMalformed, m.Kind)
	}
	return DecodeItems(m.Payload)
}

// Encode serialises the message envelope:
//
//	message_id(16) | tenant_id(16) | kind(1) | metadata_length(4, BE) | metadata | payload
func (m Message) Encode() ([]byte, error) {
	var meta []byte
	if len(m.Meta) > 0 {
		if err := m.Meta.Validate(m.Kind); err != nil {
			return nil, err
		}
		var err error
		meta, err = m.Meta.encode()
		if err != nil {
			return nil, err
		}
	}

	buf := make([]byte, envelopeFixed, envelopeFixed+len(meta)+len(m.Payload))
	copy(buf[0:idSize], m.ID[:])
	copy(buf[idSize:2*idSize], m.Tenant[:])
	buf[2*idSize] = byte(m.Kind)
	binary.BigEndian.PutUint32(buf[2*idSize+kindSize:envelopeFixed], uint32(len(meta)))
	buf = append(buf, meta...)
	buf = append(buf, m.Payload...)
	return buf, nil
}

// Decode parses an envelope produced by Encode. Metadata is validated against
// the closed key set of the message kind.
func Decode(data []byte) (Message, error) {
	if len(data) < envelopeFixed {
		return Message{}, fmt.Errorf("%w: envelope is %d bytes, need at least %d", ErrMalformed, len(data), envelopeFixed)
	}

	var m Message
	copy(m.ID[:], data[0:idSize])
	copy(m.Tenant[:], data[idSize:2*idSize])
	m.Kind = Kind(data[2*idSize])
	if _, ok := kindNames[m.Kind]; !ok {
		return Message{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, data[2*idSize])
	}

	metaLen := int(binary.BigEndian.Uint32(data[2*idSize+kindSize : envelopeFixed]))
	rest := data[envelopeFixed:]
	if metaLen > len(rest) {
		return Message{}, fmt.Errorf("%w: metadata length %d exceeds remaining %d bytes", ErrMalformed, metaLen, len(rest))
	}

	if metaLen > 0 {
		meta, err := decodeMetadata(rest[:metaLen])
		if err != nil {
			return Message{}, err
		}
		if err := meta.Validate(m.Kind); err != nil {
			return Message{}, err
		}
		m.Meta = meta
	}

	if payload := rest[metaLen:]; len(payload) > 0 {
		m.Payload = append([]byte(nil), payload...)
	}
	return m, nil
}
