package tracker

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/faults"
	"github.com/roach88/bookflow/internal/persist"
	"github.com/roach88/bookflow/internal/wal"
)

// Worker metadata keys.
const (
	KeyExpected = "EXPECTED"
	KeyWorked   = "WORKED"
	KeySent     = "SENT"
)

// Config carries what a tracker needs besides its location.
type Config struct {
	// Decoder reads the stage's data records. Nil means the stage keeps no
	// data records.
	Decoder persist.Decoder
	// EOFID is the identifier of the EOF this tenant will eventually emit.
	EOFID uuid.UUID
	// Faults is the crash-injection port; nil disables it.
	Faults faults.Injector
}

// Update is one metadata change applied by Persist.
type Update struct {
	Key   string
	Value int64
	add   bool
}

// Add increments key by delta.
func Add(key string, delta int64) Update {
	return Update{Key: key, Value: delta, add: true}
}

// Set overwrites key with v.
func Set(key string, v int64) Update {
	return Update{Key: key, Value: v}
}

// Tracker is a worker's durable per-tenant state.
//
// Business code reads it freely but mutates the data map only through PutData
// and DeleteData, and everything else only through Persist.
type Tracker struct {
	dir    string
	tenant uuid.UUID
	eofID  uuid.UUID
	faults faults.Injector
	dec    persist.Decoder

	meta   *persist.KVMap[int64]
	data   *persist.ObjectMap
	worked *persist.IDList
	wal    *wal.Manager

	recovered wal.Result
}

// Open loads the tracker stored in dir, creating the directory if needed, and
// rolls back any unfinished transaction.
func Open(dir string, tenant uuid.UUID, cfg Config) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}

	inj := faults.OrNone(cfg.Faults)
	dec := cfg.Decoder
	if dec == nil {
		dec = noRecords(dir)
	}
	t := &Tracker{
		dir:    dir,
		tenant: tenant,
		eofID:  cfg.EOFID,
		faults: inj,
		dec:    dec,
		meta:   persist.NewKVMap[int64](filepath.Join(dir, MetaFile)),
		data:   persist.NewObjectMap(filepath.Join(dir, DataFile)),
		worked: persist.NewIDList(filepath.Join(dir, WorkedFile), inj),
		wal:    wal.NewManager(filepath.Join(dir, WALFile), inj),
	}

	if _, err := t.meta.Load(); err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	if _, err := t.data.Load(dec); err != nil {
		return nil, fmt.Errorf("load data: %w", err)
	}
	if _, err := t.worked.Load(); err != nil {
		return nil, fmt.Errorf("load worked list: %w", err)
	}

	res, err := wal.Recover(t.wal, t)
	if err != nil {
		return nil, fmt.Errorf("recover tenant %s: %w", tenant, err)
	}
	t.recovered = res
	if res != wal.Nothing {
		slog.Info("tenant state recovered", "tenant", tenant, "outcome", res.String())
	}

	t.Register(KeyExpected, -1)
	t.Register(KeyWorked, 0)
	t.Register(KeySent, 0)
	return t, nil
}

// Register declares a stage-specific metadata key with its initial value. It
// has no effect if the key already has a value.
func (t *Tracker) Register(key string, initial int64) {
	if _, ok := t.meta.Get(key); !ok {
		t.meta.Set(key, initial)
	}
}

func (t *Tracker) Tenant() uuid.UUID     { return t.tenant }
func (t *Tracker) EOFID() uuid.UUID      { return t.eofID }
func (t *Tracker) Dir() string           { return t.dir }
func (t *Tracker) Expected() int64       { return t.Get(KeyExpected) }
func (t *Tracker) Worked() int64         { return t.Get(KeyWorked) }
func (t *Tracker) Sent() int64           { return t.Get(KeySent) }
func (t *Tracker) Recovered() wal.Result { return t.recovered }

// Get returns a metadata value, zero if the key is unknown.
func (t *Tracker) Get(key string) int64 {
	v, _ := t.meta.Get(key)
	return v
}

// IsCompleted reports whether the EOF total is known and every item was worked.
func (t *Tracker) IsCompleted() bool {
	expected := t.Expected()
	return expected >= 0 && t.Worked() == expected
}

// HasWorked reports whether chunk has already been persisted.
func (t *Tracker) HasWorked(chunk uuid.UUID) bool {
	return t.worked.Contains(chunk)
}

// WorkedChunks returns how many chunk IDs are in the worked set.
func (t *Tracker) WorkedChunks() int {
	return t.worked.Len()
}

// GetData returns the data record stored under key.
func (t *Tracker) GetData(key string) (persist.Record, bool) {
	return t.data.Get(key)
}

// EachData calls fn for every data record in key order.
func (t *Tracker) EachData(fn func(persist.Record)) {
	t.data.Each(fn)
}

func (t *Tracker) DataLen() int {
	return t.data.Len()
}

// PutData stores rec in memory. The change reaches disk with the next Persist
// that flushes data.
func (t *Tracker) PutData(rec persist.Record) {
	t.holdPreImage(rec.Key())
	t.data.Put(rec)
}

// DeleteData removes key in memory.
func (t *Tracker) DeleteData(key string) {
	t.holdPreImage(key)
	t.data.Delete(key)
}

func (t *Tracker) holdPreImage(key string) {
	if old, ok := t.data.Get(key); ok {
		t.wal.HoldChange(key, old.Encode())
		return
	}
	t.wal.HoldChange(key, nil)
}

// Persist durably applies updates, and the data map when flushData is set, as
// one transaction on behalf of chunk, then marks chunk as worked.
func (t *Tracker) Persist(chunk uuid.UUID, flushData bool, updates ...Update) error {
	if err := t.wal.Begin(chunk, 0); err != nil {
		return err
	}

	logged := make(map[string]bool, len(updates))
	for _, u := range updates {
		if logged[u.Key] {
			continue
		}
		logged[u.Key] = true
		var old []byte
		if v, ok := t.meta.Get(u.Key); ok {
			old = encodeInt(v)
		}
		if err := t.wal.LogMetadata(u.Key, old); err != nil {
			return fmt.Errorf("log %s: %w", u.Key, err)
		}
	}
	if err := t.faults.Hit(faults.TrackerLogged); err != nil {
		return err
	}

	if flushData {
		if err := t.wal.FlushHeld(); err != nil {
			return fmt.Errorf("log data pre-images: %w", err)
		}
		if err := t.data.Flush(); err != nil {
			return fmt.Errorf("flush data: %w", err)
		}
		if err := t.faults.Hit(faults.TrackerDataFlushed); err != nil {
			return err
		}
	}

	for _, u := range updates {
		if u.add {
			t.meta.Set(u.Key, t.Get(u.Key)+u.Value)
		} else {
			t.meta.Set(u.Key, u.Value)
		}
	}
	if err := t.meta.Flush(); err != nil {
		return fmt.Errorf("flush metadata: %w", err)
	}
	if err := t.faults.Hit(faults.TrackerMetaFlushed); err != nil {
		return err
	}

	if err := t.wal.Commit(chunk, 0); err != nil {
		return err
	}
	if err := t.faults.Hit(faults.TrackerCommitted); err != nil {
		return err
	}
	if err := t.worked.Append(chunk); err != nil {
		return fmt.Errorf("record worked chunk: %w", err)
	}
	return nil
}

// Destroy removes every file of the tenant.
func (t *Tracker) Destroy() error {
	if err := os.RemoveAll(t.dir); err != nil {
		return fmt.Errorf("remove tenant dir: %w", err)
	}
	return nil
}

// RestoreMetadata implements wal.UndoTarget.
func (t *Tracker) RestoreMetadata(key string, old []byte) error {
	if old == nil {
		t.meta.Delete(key)
		return nil
	}
	v, err := decodeInt(old)
	if err != nil {
		return err
	}
	t.meta.Set(key, v)
	return nil
}

// RestoreData implements wal.UndoTarget.
func (t *Tracker) RestoreData(old []byte) error {
	return restoreData(t.data, t.dec, old)
}

// RemoveData implements wal.UndoTarget.
func (t *Tracker) RemoveData(key string) error {
	t.data.Delete(key)
	return nil
}

// FlushRestored implements wal.UndoTarget.
func (t *Tracker) FlushRestored() error {
	if err := t.data.Flush(); err != nil {
		return err
	}
	return t.meta.Flush()
}

// EnsureWorked implements wal.UndoTarget.
func (t *Tracker) EnsureWorked(chunk uuid.UUID, _ uint8) error {
	return t.worked.Append(chunk)
}

func restoreData(data *persist.ObjectMap, dec persist.Decoder, old []byte) error {
	rec, err := dec(bytes.NewReader(old))
	if err != nil {
		return fmt.Errorf("%w: data pre-image: %v", persist.ErrCorrupt, err)
	}
	data.Put(rec)
	return nil
}
