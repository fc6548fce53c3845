package persist

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/faults"
)

const uuidTextLen = 36

// IDList is an append-only durable set of identifiers, one canonical UUID
// string per line.
type IDList struct {
	path   string
	faults faults.Injector
	ids    map[uuid.UUID]struct{}
	order  []uuid.UUID
}

// NewIDList returns an empty list bound to path.
func NewIDList(path string, inj faults.Injector) *IDList {
	return &IDList{
		path:   path,
		faults: faults.OrNone(inj),
		ids:    make(map[uuid.UUID]struct{}),
	}
}

// Load reads every record. A trailing record without its newline, or one that
// does not parse, is discarded and the file rewritten without it. A bad
// record anywhere else is reported as ErrCorrupt.
func (l *IDList) Load() (Outcome, error) {
	data, err := readOptional(l.path)
	if err != nil {
		return Clean, err
	}

	ids := make(map[uuid.UUID]struct{})
	var order []uuid.UUID
	pos := 0
	torn := false

	for pos < len(data) {
		nl := bytes.IndexByte(data[pos:], '\n')
		if nl < 0 {
			torn = true
			break
		}
		id, err := parseIDLine(data[pos : pos+nl])
		if err != nil {
			if pos+nl+1 == len(data) {
				torn = true
				break
			}
			return Clean, fmt.Errorf("%w: %s at offset %d: %v", ErrCorrupt, l.path, pos, err)
		}
		if _, dup := ids[id]; !dup {
			ids[id] = struct{}{}
			order = append(order, id)
		}
		pos += nl + 1
	}

	outcome := Clean
	if torn {
		slog.Warn("discarding torn id record", "path", l.path, "offset", pos, "dropped_bytes", len(data)-pos)
		if err := WriteFileAtomic(l.path, data[:pos]); err != nil {
			return Clean, err
		}
		outcome = Recovered
	}

	l.ids = ids
	l.order = order
	return outcome, nil
}

func parseIDLine(line []byte) (uuid.UUID, error) {
	if len(line) != uuidTextLen {
		return uuid.Nil, fmt.Errorf("record is %d bytes, want %d", len(line), uuidTextLen)
	}
	return uuid.ParseBytes(line)
}

// Append durably adds id. Appending an id that is already present is a no-op.
func (l *IDList) Append(id uuid.UUID) error {
	if l.Contains(id) {
		return nil
	}
	line := append([]byte(id.String()), '\n')
	err := appendRecord(l.path, line, func(b []byte) ([]byte, bool) {
		return l.faults.Tear(faults.ListAppend, b)
	})
	if err == errTorn {
		return faults.ErrCrash
	}
	if err != nil {
		return err
	}
	l.ids[id] = struct{}{}
	l.order = append(l.order, id)
	return nil
}

// Contains reports whether id has been appended.
func (l *IDList) Contains(id uuid.UUID) bool {
	_, ok := l.ids[id]
	return ok
}

func (l *IDList) Len() int {
	return len(l.order)
}

// IDs returns the identifiers in append order.
func (l *IDList) IDs() []uuid.UUID {
	return append([]uuid.UUID(nil), l.order...)
}
