package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Tag identifies a log record.
type Tag byte

const (
	TagBegin         Tag = 0x01
	TagCommit        Tag = 0x02
	TagWrite         Tag = 0x03
	TagWriteMetadata Tag = 0x04
	TagWriteAbsent   Tag = 0x05
)

func (t Tag) String() string {
	switch t {
	case TagBegin:
		return "BEGIN"
	case TagCommit:
		return "COMMIT"
	case TagWrite:
		return "WRITE"
	case TagWriteMetadata:
		return "WRITE_METADATA"
	case TagWriteAbsent:
		return "WRITE_ABSENT"
	default:
		return fmt.Sprintf("Tag(0x%02x)", byte(t))
	}
}

// Record is one decoded log entry. Chunk and Peer are set for BEGIN and
// COMMIT. WRITE carries only Old, the self-encoded data record whose own key
// says where it goes back. WRITE_ABSENT carries only Key. WRITE_METADATA
// carries both, and a nil Old means the key was absent.
type Record struct {
	Tag   Tag
	Chunk uuid.UUID
	Peer  uint8
	Key   string
	Old   []byte
}

var (
	errShortRecord = errors.New("short record")
	errUnknownTag  = errors.New("unknown tag")
)

// ErrTooLarge is returned when a key or pre-image does not fit its length
// field.
var ErrTooLarge = errors.New("wal: field exceeds record limit")

// Encode serializes r.
func (r Record) Encode() ([]byte, error) {
	switch r.Tag {
	case TagBegin, TagCommit:
		buf := make([]byte, 1+16+1)
		buf[0] = byte(r.Tag)
		copy(buf[1:17], r.Chunk[:])
		buf[17] = r.Peer
		return buf, nil

	case TagWrite:
		if len(r.Old) == 0 {
			return nil, fmt.Errorf("encode %s: empty pre-image", r.Tag)
		}
		if len(r.Old) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: data pre-image is %d bytes", ErrTooLarge, len(r.Old))
		}
		buf := make([]byte, 0, 3+len(r.Old))
		buf = append(buf, byte(r.Tag))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Old)))
		return append(buf, r.Old...), nil

	case TagWriteAbsent:
		if len(r.Key) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: data key is %d bytes", ErrTooLarge, len(r.Key))
		}
		buf := make([]byte, 0, 3+len(r.Key))
		buf = append(buf, byte(r.Tag))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Key)))
		return append(buf, r.Key...), nil

	case TagWriteMetadata:
		if len(r.Key) > math.MaxUint8 {
			return nil, fmt.Errorf("%w: metadata key %q is %d bytes", ErrTooLarge, r.Key, len(r.Key))
		}
		if len(r.Old) > math.MaxUint8 {
			return nil, fmt.Errorf("%w: value for %q is %d bytes", ErrTooLarge, r.Key, len(r.Old))
		}
		buf := make([]byte, 0, 3+len(r.Key)+len(r.Old))
		buf = append(buf, byte(r.Tag), byte(len(r.Key)))
		buf = append(buf, r.Key...)
		buf = append(buf, byte(len(r.Old)))
		return append(buf, r.Old...), nil

	default:
		return nil, fmt.Errorf("encode %s: %w", r.Tag, errUnknownTag)
	}
}

// decodeRecord decodes the record at the start of b and returns it with the
// number of bytes consumed.
func decodeRecord(b []byte) (Record, int, error) {
	if len(b) == 0 {
		return Record{}, 0, errShortRecord
	}
	r := Record{Tag: Tag(b[0])}

	switch r.Tag {
	case TagBegin, TagCommit:
		if len(b) < 18 {
			return Record{}, 0, errShortRecord
		}
		copy(r.Chunk[:], b[1:17])
		r.Peer = b[17]
		return r, 18, nil

	case TagWrite, TagWriteAbsent:
		if len(b) < 3 {
			return Record{}, 0, errShortRecord
		}
		n := int(binary.BigEndian.Uint16(b[1:3]))
		if len(b) < 3+n {
			return Record{}, 0, errShortRecord
		}
		if r.Tag == TagWrite {
			if n == 0 {
				return Record{}, 0, errShortRecord
			}
			r.Old = append([]byte(nil), b[3:3+n]...)
		} else {
			r.Key = string(b[3 : 3+n])
		}
		return r, 3 + n, nil

	case TagWriteMetadata:
		if len(b) < 2 {
			return Record{}, 0, errShortRecord
		}
		keyLen := int(b[1])
		pos := 2
		if len(b) < pos+keyLen+1 {
			return Record{}, 0, errShortRecord
		}
		r.Key = string(b[pos : pos+keyLen])
		pos += keyLen
		valLen := int(b[pos])
		pos++
		if len(b) < pos+valLen {
			return Record{}, 0, errShortRecord
		}
		if valLen > 0 {
			r.Old = append([]byte(nil), b[pos:pos+valLen]...)
		}
		return r, pos + valLen, nil

	default:
		return Record{}, 0, errUnknownTag
	}
}

// Decode parses a whole log. It stops at the first record that is short or
// carries an unknown tag and reports that the log was truncated there.
func Decode(b []byte) (recs []Record, truncated bool) {
	for len(b) > 0 {
		r, n, err := decodeRecord(b)
		if err != nil {
			return recs, true
		}
		recs = append(recs, r)
		b = b[n:]
	}
	return recs, false
}
