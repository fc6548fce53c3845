package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bookflow/internal/message"
	"github.com/roach88/bookflow/internal/persist"
	"github.com/roach88/bookflow/internal/tracker"
)

// count is a key/counter data record.
type count struct {
	key string
	n   int64
}

func (c count) Key() string { return c.key }

func (c count) Encode() []byte {
	buf := binary.BigEndian.AppendUint16(nil, uint16(len(c.key)))
	buf = append(buf, c.key...)
	return binary.BigEndian.AppendUint64(buf, uint64(c.n))
}

func decodeCount(r io.Reader) (persist.Record, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	key := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, persist.Unexpected(err)
	}
	var n [8]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, persist.Unexpected(err)
	}
	return count{string(key), int64(binary.BigEndian.Uint64(n[:]))}, nil
}

type sent struct {
	dest string
	msg  message.Message
}

// captureEmitter records every emitted message, standing in for a broker.
type captureEmitter struct {
	mu   sync.Mutex
	sent []sent
	fail error
}

func (c *captureEmitter) Emit(_ context.Context, dest string, msg message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.sent = append(c.sent, sent{dest, msg})
	return nil
}

func (c *captureEmitter) all(dest string) []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message.Message
	for _, s := range c.sent {
		if s.dest == dest {
			out = append(out, s.msg)
		}
	}
	return out
}

// effective is what a deduplicating receiver on dest would observe.
func (c *captureEmitter) effective(dest string) map[uuid.UUID]message.Message {
	out := map[uuid.UUID]message.Message{}
	for _, m := range c.all(dest) {
		if _, ok := out[m.ID]; !ok {
			out[m.ID] = m
		}
	}
	return out
}

func eofs(msgs map[uuid.UUID]message.Message) []message.Message {
	var out []message.Message
	for _, m := range msgs {
		if m.Kind == message.KindEOF {
			out = append(out, m)
		}
	}
	return out
}

// itemsOf flattens the items of every DATA message, sorted.
func itemsOf(t *testing.T, msgs map[uuid.UUID]message.Message) []string {
	t.Helper()
	var out []string
	for _, m := range msgs {
		if m.Kind != message.KindData {
			continue
		}
		items, err := m.Items()
		require.NoError(t, err)
		for _, it := range items {
			out = append(out, string(it))
		}
	}
	sort.Strings(out)
	return out
}

// echoWorker counts items per key in the tracker and forwards each chunk's
// items to "out".
type echoWorker struct {
	out          *captureEmitter
	pending      map[uuid.UUID][][]byte
	terminations int
}

func newEchoWorker(out *captureEmitter) *echoWorker {
	return &echoWorker{out: out, pending: map[uuid.UUID][][]byte{}}
}

func (e *echoWorker) Decoder() persist.Decoder { return decodeCount }

func (e *echoWorker) Adapt(t *tracker.Tracker) {
	delete(e.pending, t.Tenant())
}

func (e *echoWorker) Work(_ context.Context, t *tracker.Tracker, item []byte) error {
	key := string(item)
	if key == "bad" {
		return Malformed(fmt.Errorf("unusable item %q", key))
	}
	if key == "flaky" {
		return fmt.Errorf("downstream unavailable")
	}
	var n int64
	if rec, ok := t.GetData(key); ok {
		n = rec.(count).n
	}
	t.PutData(count{key, n + 1})
	e.pending[t.Tenant()] = append(e.pending[t.Tenant()], item)
	return nil
}

func (e *echoWorker) AfterWork(ctx context.Context, t *tracker.Tracker, chunk uuid.UUID) (Output, error) {
	items := e.pending[t.Tenant()]
	delete(e.pending, t.Tenant())
	if len(items) == 0 {
		return Output{}, nil
	}
	if err := e.out.Emit(ctx, "out", message.NewData(DerivedID(chunk, "out"), t.Tenant(), items, nil)); err != nil {
		return Output{}, err
	}
	return Output{Sent: int64(len(items))}, nil
}

func (e *echoWorker) Terminate(ctx context.Context, t *tracker.Tracker, c Completion) error {
	e.terminations++
	return e.out.Emit(ctx, "out", message.NewEOF(t.EOFID(), t.Tenant(), c.Sent, nil))
}

// mergeSync merges item counts from every peer and emits them as
// "key=count" items followed by one EOF.
type mergeSync struct {
	out          *captureEmitter
	terminations int
}

func (m *mergeSync) Decoder() persist.Decoder { return decodeCount }

func (m *mergeSync) ProcessChunk(_ context.Context, s *tracker.SyncTracker, _ uint8, _ uuid.UUID, items [][]byte) error {
	for _, it := range items {
		var n int64
		if rec, ok := s.GetData(string(it)); ok {
			n = rec.(count).n
		}
		s.PutData(count{string(it), n + 1})
	}
	return nil
}

func (m *mergeSync) Terminate(ctx context.Context, s *tracker.SyncTracker) error {
	m.terminations++
	var items [][]byte
	s.EachData(func(r persist.Record) {
		c := r.(count)
		items = append(items, []byte(fmt.Sprintf("%s=%d", c.key, c.n)))
	})
	if len(items) > 0 {
		if err := m.out.Emit(ctx, "out", message.NewData(DerivedID(s.EOFID(), "results"), s.Tenant(), items, nil)); err != nil {
			return err
		}
	}
	return m.out.Emit(ctx, "out", message.NewEOF(s.EOFID(), s.Tenant(), s.TotalWorked(), nil))
}

func dataMsg(tenant uuid.UUID, items ...string) message.Message {
	raw := make([][]byte, len(items))
	for i, it := range items {
		raw[i] = []byte(it)
	}
	return message.NewData(uuid.New(), tenant, raw, nil)
}

func peerData(tenant uuid.UUID, peer uint8, items ...string) message.Message {
	m := dataMsg(tenant, items...)
	m.Meta = message.Metadata{message.KeyPeer: int64(peer)}
	return m
}

func eofMsg(tenant uuid.UUID, total int64) message.Message {
	return message.NewEOF(uuid.New(), tenant, total, nil)
}

func peerEOF(tenant uuid.UUID, peer uint8, total int64) message.Message {
	return message.NewEOF(uuid.New(), tenant, total, message.Metadata{message.KeyPeer: int64(peer)})
}

// permutations returns every ordering of 0..n-1.
func permutations(n int) [][]int {
	var out [][]int
	var rec func(prefix []int, rest []int)
	rec = func(prefix []int, rest []int) {
		if len(rest) == 0 {
			out = append(out, append([]int(nil), prefix...))
			return
		}
		for i := range rest {
			next := append(append([]int(nil), rest[:i]...), rest[i+1:]...)
			rec(append(prefix, rest[i]), next)
		}
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rec(nil, idx)
	return out
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
