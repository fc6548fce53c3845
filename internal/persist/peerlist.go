package persist

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/faults"
)

const peerRecordSize = 16 + 1

// PeerID is an identifier tagged with the upstream peer that contributed it.
type PeerID struct {
	ID   uuid.UUID
	Peer uint8
}

// PeerIDList is an append-only durable list of PeerID in fixed-size binary
// records: id(16) | peer(1).
type PeerIDList struct {
	path    string
	faults  faults.Injector
	entries map[uuid.UUID]uint8
	order   []PeerID
}

// NewPeerIDList returns an empty list bound to path.
func NewPeerIDList(path string, inj faults.Injector) *PeerIDList {
	return &PeerIDList{
		path:    path,
		faults:  faults.OrNone(inj),
		entries: make(map[uuid.UUID]uint8),
	}
}

// Load reads every record, truncating a short trailing record.
func (l *PeerIDList) Load() (Outcome, error) {
	data, err := readOptional(l.path)
	if err != nil {
		return Clean, err
	}

	whole := len(data) - len(data)%peerRecordSize
	outcome := Clean
	if whole != len(data) {
		slog.Warn("discarding torn peer record", "path", l.path, "offset", whole, "dropped_bytes", len(data)-whole)
		if err := WriteFileAtomic(l.path, data[:whole]); err != nil {
			return Clean, err
		}
		outcome = Recovered
	}

	entries := make(map[uuid.UUID]uint8)
	var order []PeerID
	for off := 0; off < whole; off += peerRecordSize {
		var e PeerID
		copy(e.ID[:], data[off:off+16])
		e.Peer = data[off+16]
		if prev, dup := entries[e.ID]; dup {
			if prev != e.Peer {
				return Clean, fmt.Errorf("%w: %s: id %s recorded for peers %d and %d", ErrCorrupt, l.path, e.ID, prev, e.Peer)
			}
			continue
		}
		entries[e.ID] = e.Peer
		order = append(order, e)
	}

	l.entries = entries
	l.order = order
	return outcome, nil
}

// Append durably adds id for peer. Re-appending a known id is a no-op.
func (l *PeerIDList) Append(id uuid.UUID, peer uint8) error {
	if _, ok := l.entries[id]; ok {
		return nil
	}
	rec := make([]byte, peerRecordSize)
	copy(rec, id[:])
	rec[16] = peer

	err := appendRecord(l.path, rec, func(b []byte) ([]byte, bool) {
		return l.faults.Tear(faults.ListAppend, b)
	})
	if err == errTorn {
		return faults.ErrCrash
	}
	if err != nil {
		return err
	}
	l.entries[id] = peer
	l.order = append(l.order, PeerID{ID: id, Peer: peer})
	return nil
}

// Contains reports whether id was appended and by which peer.
func (l *PeerIDList) Contains(id uuid.UUID) (uint8, bool) {
	p, ok := l.entries[id]
	return p, ok
}

func (l *PeerIDList) Len() int {
	return len(l.order)
}

// Entries returns the records in append order.
func (l *PeerIDList) Entries() []PeerID {
	return append([]PeerID(nil), l.order...)
}
