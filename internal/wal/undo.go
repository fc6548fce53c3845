package wal

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// UndoTarget is the state a log protects.
type UndoTarget interface {
	// RestoreMetadata puts back a metadata pre-image; nil deletes the key.
	RestoreMetadata(key string, old []byte) error
	// RestoreData decodes a self-encoded data record and puts it back.
	RestoreData(old []byte) error
	// RemoveData deletes a data key that did not exist before the
	// transaction.
	RemoveData(key string) error
	// FlushRestored persists every restored value.
	FlushRestored() error
	// EnsureWorked records chunk in the worked set if it is missing.
	EnsureWorked(chunk uuid.UUID, peer uint8) error
}

// Result describes what Recover did.
type Result int

const (
	// Nothing means the log was empty or held no complete record.
	Nothing Result = iota
	// Committed means the last transaction had committed.
	Committed
	// RolledBack means an unfinished transaction was undone.
	RolledBack
)

func (r Result) String() string {
	switch r {
	case Nothing:
		return "nothing"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Recover brings target back to a transaction boundary and clears the log.
// It is safe to run again if interrupted.
func Recover(m *Manager, target UndoTarget) (Result, error) {
	recs, truncated, err := m.Records()
	if err != nil {
		return Nothing, err
	}
	if truncated {
		slog.Warn("wal ends in a partial record", "path", m.path, "records", len(recs))
	}
	if len(recs) == 0 {
		return Nothing, m.Clear()
	}

	if last := recs[len(recs)-1]; last.Tag == TagCommit {
		if err := target.EnsureWorked(last.Chunk, last.Peer); err != nil {
			return Nothing, fmt.Errorf("complete committed chunk %s: %w", last.Chunk, err)
		}
		return Committed, m.Clear()
	}

	var begin Record
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		switch r.Tag {
		case TagWriteMetadata:
			err = target.RestoreMetadata(r.Key, r.Old)
		case TagWrite:
			err = target.RestoreData(r.Old)
		case TagWriteAbsent:
			err = target.RemoveData(r.Key)
		case TagBegin:
			begin = r
		}
		if err != nil {
			return Nothing, fmt.Errorf("restore %s %q: %w", r.Tag, r.Key, err)
		}
		if r.Tag == TagBegin {
			break
		}
	}

	if err := target.FlushRestored(); err != nil {
		return Nothing, fmt.Errorf("flush restored state: %w", err)
	}
	slog.Warn("rolled back unfinished transaction", "path", m.path, "chunk", begin.Chunk, "records", len(recs))
	return RolledBack, m.Clear()
}
