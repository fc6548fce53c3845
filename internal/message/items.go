package message

import (
	"encoding/binary"
	"fmt"
)

const itemLenSize = 4

// EncodeItems serialises a chunk's items as repeated len(4, BE) | bytes.
func EncodeItems(items [][]byte) []byte {
	size := 0
	for _, it := range items {
		size += itemLenSize + len(it)
	}
	buf := make([]byte, 0, size)
	var hdr [itemLenSize]byte
	for _, it := range items {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(it)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, it...)
	}
	return buf
}

// DecodeItems parses a payload produced by EncodeItems. An empty payload is
// an empty chunk.
func DecodeItems(payload []byte) ([][]byte, error) {
	var items [][]byte
	for off := 0; off < len(payload); {
		if len(payload)-off < itemLenSize {
			return nil, fmt.Errorf("%w: item header truncated at offset %d", ErrMalformed, off)
		}
		n := int(binary.BigEndian.Uint32(payload[off : off+itemLenSize]))
		off += itemLenSize
		if n > len(payload)-off {
			return nil, fmt.Errorf("%w: item of %d bytes truncated at offset %d", ErrMalformed, n, off)
		}
		items = append(items, append([]byte(nil), payload[off:off+n]...))
		off += n
	}
	return items, nil
}
