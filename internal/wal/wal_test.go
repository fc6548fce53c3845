package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bookflow/internal/faults"
)

// mapTarget is an in-memory UndoTarget.
type mapTarget struct {
	meta    map[string][]byte
	data    map[string][]byte
	worked  []uuid.UUID
	flushes int
}

func newMapTarget() *mapTarget {
	return &mapTarget{meta: map[string][]byte{}, data: map[string][]byte{}}
}

func restore(m map[string][]byte, key string, old []byte) {
	if old == nil {
		delete(m, key)
		return
	}
	m[key] = old
}

func (t *mapTarget) RestoreMetadata(key string, old []byte) error {
	restore(t.meta, key, old)
	return nil
}

// RestoreData reads data records as "key=value".
func (t *mapTarget) RestoreData(old []byte) error {
	key, _, ok := strings.Cut(string(old), "=")
	if !ok {
		return fmt.Errorf("record %q has no key", old)
	}
	t.data[key] = old
	return nil
}

func (t *mapTarget) RemoveData(key string) error {
	delete(t.data, key)
	return nil
}

func (t *mapTarget) FlushRestored() error {
	t.flushes++
	return nil
}

func (t *mapTarget) EnsureWorked(chunk uuid.UUID, _ uint8) error {
	for _, id := range t.worked {
		if id == chunk {
			return nil
		}
	}
	t.worked = append(t.worked, chunk)
	return nil
}

func TestRecord_EncodeDecode(t *testing.T) {
	chunk := uuid.New()
	recs := []Record{
		{Tag: TagBegin, Chunk: chunk, Peer: 3},
		{Tag: TagWriteMetadata, Key: "WORKED", Old: []byte("7")},
		{Tag: TagWriteMetadata, Key: "SENT_2"},
		{Tag: TagWrite, Old: []byte{0, 1, 2}},
		{Tag: TagWriteAbsent, Key: "emma"},
		{Tag: TagCommit, Chunk: chunk, Peer: 3},
	}

	var log []byte
	for _, r := range recs {
		b, err := r.Encode()
		require.NoError(t, err)
		log = append(log, b...)
	}

	got, truncated := Decode(log)
	assert.False(t, truncated)
	assert.Equal(t, recs, got)
}

func TestRecord_Layout(t *testing.T) {
	b, err := Record{Tag: TagWrite, Old: []byte{9, 8}}.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0, 2, 9, 8}, b)

	b, err = Record{Tag: TagWriteAbsent, Key: "ab"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0, 2, 'a', 'b'}, b)

	b, err = Record{Tag: TagWriteMetadata, Key: "k", Old: []byte("-1")}.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 1, 'k', 2, '-', '1'}, b)
}

func TestRecord_LongDataKeys(t *testing.T) {
	for _, n := range []int{255, 256, 300, 4096} {
		key := strings.Repeat("k", n)
		old := []byte(key + "=v")

		write, err := Record{Tag: TagWrite, Old: old}.Encode()
		require.NoError(t, err, n)
		absent, err := Record{Tag: TagWriteAbsent, Key: key}.Encode()
		require.NoError(t, err, n)

		got, truncated := Decode(append(write, absent...))
		assert.False(t, truncated)
		assert.Equal(t, []Record{{Tag: TagWrite, Old: old}, {Tag: TagWriteAbsent, Key: key}}, got)
	}
}

func TestRecord_TooLarge(t *testing.T) {
	_, err := Record{Tag: TagWrite, Old: make([]byte, 70000)}.Encode()
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Record{Tag: TagWriteAbsent, Key: strings.Repeat("k", 70000)}.Encode()
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Record{Tag: TagWriteMetadata, Key: strings.Repeat("k", 256)}.Encode()
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Record{Tag: TagWriteMetadata, Key: "k", Old: make([]byte, 256)}.Encode()
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecode_StopsAtPartialRecord(t *testing.T) {
	begin, _ := Record{Tag: TagBegin, Chunk: uuid.New()}.Encode()
	write, _ := Record{Tag: TagWrite, Old: []byte("x=old")}.Encode()

	got, truncated := Decode(append(begin, write[:4]...))
	assert.True(t, truncated)
	require.Len(t, got, 1)
	assert.Equal(t, TagBegin, got[0].Tag)

	got, truncated = Decode(append(begin, 0x7f))
	assert.True(t, truncated)
	assert.Len(t, got, 1)
}

func TestManager_BeginTruncates(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "wal.log"), nil)
	first, second := uuid.New(), uuid.New()

	require.NoError(t, m.Begin(first, 0))
	require.NoError(t, m.LogMetadata("WORKED", []byte("0")))
	require.NoError(t, m.Commit(first, 0))

	require.NoError(t, m.Begin(second, 0))
	recs, truncated, err := m.Records()
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, []Record{{Tag: TagBegin, Chunk: second}}, recs)
}

func TestManager_HoldChangeKeepsFirstPreImage(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "wal.log"), nil)
	chunk := uuid.New()

	m.HoldChange("dune", []byte("dune=v1"))
	m.HoldChange("dune", []byte("dune=v2"))
	m.HoldChange("emma", nil)
	assert.Equal(t, 2, m.Held())

	require.NoError(t, m.Begin(chunk, 0))
	require.NoError(t, m.FlushHeld())
	assert.Equal(t, 0, m.Held())

	recs, _, err := m.Records()
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{Tag: TagBegin, Chunk: chunk},
		{Tag: TagWrite, Old: []byte("dune=v1")},
		{Tag: TagWriteAbsent, Key: "emma"},
	}, recs)
}

func TestManager_EmptyAndClear(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "wal.log"), nil)

	empty, err := m.Empty()
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, m.Begin(uuid.New(), 0))
	empty, err = m.Empty()
	require.NoError(t, err)
	assert.False(t, empty)

	require.NoError(t, m.Clear())
	require.NoError(t, m.Clear())
	assert.NoFileExists(t, m.Path())
}

func TestManager_InjectedFaults(t *testing.T) {
	plan := faults.NewPlan().CrashAt(faults.WALBegin, 1)
	m := NewManager(filepath.Join(t.TempDir(), "wal.log"), plan)
	assert.ErrorIs(t, m.Begin(uuid.New(), 0), faults.ErrCrash)

	plan.TearAt(faults.WALAppend, 1, 3)
	require.NoError(t, m.Begin(uuid.New(), 0))
	assert.ErrorIs(t, m.LogMetadata("WORKED", []byte("12")), faults.ErrCrash)

	recs, truncated, err := m.Records()
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, recs, 1)
}

func TestRecover_EmptyLog(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "wal.log"), nil)
	target := newMapTarget()

	res, err := Recover(m, target)
	require.NoError(t, err)
	assert.Equal(t, Nothing, res)
	assert.Zero(t, target.flushes)
}

func TestRecover_CommittedEnsuresWorked(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "wal.log"), nil)
	chunk := uuid.New()
	require.NoError(t, m.Begin(chunk, 2))
	require.NoError(t, m.LogMetadata("WORKED", []byte("0")))
	require.NoError(t, m.Commit(chunk, 2))

	target := newMapTarget()
	target.meta["WORKED"] = []byte("1")

	res, err := Recover(m, target)
	require.NoError(t, err)
	assert.Equal(t, Committed, res)
	assert.Equal(t, []uuid.UUID{chunk}, target.worked)
	assert.Equal(t, []byte("1"), target.meta["WORKED"])
	assert.NoFileExists(t, m.Path())
}

func TestRecover_RollsBackInReverse(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "wal.log"), nil)
	chunk := uuid.New()

	require.NoError(t, m.Begin(chunk, 0))
	require.NoError(t, m.LogMetadata("WORKED", []byte("4")))
	require.NoError(t, m.LogMetadata("SENT", nil))
	m.HoldChange("dune", []byte("dune=before"))
	m.HoldChange("new-key", nil)
	require.NoError(t, m.FlushHeld())

	target := newMapTarget()
	target.meta["WORKED"] = []byte("5")
	target.meta["SENT"] = []byte("1")
	target.data["dune"] = []byte("dune=after")
	target.data["new-key"] = []byte("new-key=x")
	target.data["untouched"] = []byte("untouched=u")

	res, err := Recover(m, target)
	require.NoError(t, err)
	assert.Equal(t, RolledBack, res)
	assert.Equal(t, map[string][]byte{"WORKED": []byte("4")}, target.meta)
	assert.Equal(t, map[string][]byte{"dune": []byte("dune=before"), "untouched": []byte("untouched=u")}, target.data)
	assert.Equal(t, 1, target.flushes)
	assert.Empty(t, target.worked)
}

func TestRecover_TornCommitRollsBack(t *testing.T) {
	plan := faults.NewPlan()
	m := NewManager(filepath.Join(t.TempDir(), "wal.log"), plan)
	chunk := uuid.New()

	require.NoError(t, m.Begin(chunk, 0))
	require.NoError(t, m.LogMetadata("WORKED", []byte("0")))
	plan.TearAt(faults.WALAppend, 1, 10)
	require.ErrorIs(t, m.Commit(chunk, 0), faults.ErrCrash)

	target := newMapTarget()
	target.meta["WORKED"] = []byte("1")

	res, err := Recover(NewManager(m.Path(), nil), target)
	require.NoError(t, err)
	assert.Equal(t, RolledBack, res)
	assert.Equal(t, []byte("0"), target.meta["WORKED"])
	assert.Empty(t, target.worked)
}

func TestRecover_TornBeginIsNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	begin, _ := Record{Tag: TagBegin, Chunk: uuid.New()}.Encode()
	require.NoError(t, os.WriteFile(path, begin[:7], 0o644))

	res, err := Recover(NewManager(path, nil), newMapTarget())
	require.NoError(t, err)
	assert.Equal(t, Nothing, res)
	assert.NoFileExists(t, path)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "rolled_back", RolledBack.String())
	assert.Equal(t, "WRITE_METADATA", TagWriteMetadata.String())
	assert.Equal(t, "WRITE_ABSENT", TagWriteAbsent.String())
}
