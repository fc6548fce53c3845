package wal

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/faults"
)

// Manager owns one tenant's log file.
//
// Data pre-images are held in memory while a business hook mutates the data
// map and written by FlushHeld just before the data map itself is flushed.
// Only the first pre-image of each key in a transaction is kept, since that
// is the value undo must restore.
type Manager struct {
	path   string
	faults faults.Injector

	held      map[string][]byte
	heldOrder []string
}

// NewManager returns a manager for the log at path.
func NewManager(path string, inj faults.Injector) *Manager {
	return &Manager{
		path:   path,
		faults: faults.OrNone(inj),
		held:   make(map[string][]byte),
	}
}

// Path returns the log file path.
func (m *Manager) Path() string {
	return m.path
}

// Begin starts a transaction for chunk, discarding the previous one.
func (m *Manager) Begin(chunk uuid.UUID, peer uint8) error {
	rec, _ := Record{Tag: TagBegin, Chunk: chunk, Peer: peer}.Encode()

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wal %s: %w", m.path, err)
	}
	if _, err := f.Write(rec); err != nil {
		f.Close()
		return fmt.Errorf("write begin: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync wal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close wal: %w", err)
	}
	return m.faults.Hit(faults.WALBegin)
}

// LogMetadata records the pre-image of a metadata key. old is nil when the key
// is being created.
func (m *Manager) LogMetadata(key string, old []byte) error {
	return m.append(Record{Tag: TagWriteMetadata, Key: key, Old: old})
}

// HoldChange remembers the pre-image of a data key: the record's own
// encoding, or nil when the key is new. Later holds of the same key before
// FlushHeld are ignored.
func (m *Manager) HoldChange(key string, old []byte) {
	if _, ok := m.held[key]; ok {
		return
	}
	m.held[key] = old
	m.heldOrder = append(m.heldOrder, key)
}

// Held reports how many data pre-images are waiting for FlushHeld.
func (m *Manager) Held() int {
	return len(m.heldOrder)
}

// FlushHeld writes one record per held pre-image and forgets them: WRITE
// for a key that existed, WRITE_ABSENT for one that did not.
func (m *Manager) FlushHeld() error {
	for _, key := range m.heldOrder {
		r := Record{Tag: TagWrite, Old: m.held[key]}
		if r.Old == nil {
			r = Record{Tag: TagWriteAbsent, Key: key}
		}
		if err := m.append(r); err != nil {
			return err
		}
	}
	m.DropHeld()
	return nil
}

// DropHeld forgets held pre-images without logging them.
func (m *Manager) DropHeld() {
	clear(m.held)
	m.heldOrder = m.heldOrder[:0]
}

// Commit closes the transaction for chunk.
func (m *Manager) Commit(chunk uuid.UUID, peer uint8) error {
	return m.append(Record{Tag: TagCommit, Chunk: chunk, Peer: peer})
}

func (m *Manager) append(r Record) error {
	rec, err := r.Encode()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wal %s: %w", m.path, err)
	}
	defer f.Close()

	out, torn := m.faults.Tear(faults.WALAppend, rec)
	if _, err := f.Write(out); err != nil {
		return fmt.Errorf("append %s: %w", r.Tag, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	if torn {
		return faults.ErrCrash
	}
	return nil
}

// Records decodes the log. A missing file yields no records.
func (m *Manager) Records() ([]Record, bool, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read wal %s: %w", m.path, err)
	}
	recs, truncated := Decode(data)
	return recs, truncated, nil
}

// Empty reports whether the log holds no bytes.
func (m *Manager) Empty() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("stat wal %s: %w", m.path, err)
	}
	return info.Size() == 0, nil
}

// Clear removes the log file.
func (m *Manager) Clear() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove wal %s: %w", m.path, err)
	}
	return nil
}
