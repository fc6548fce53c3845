package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bookflow/internal/engine"
	"github.com/roach88/bookflow/internal/message"
)

type emitted struct {
	dest string
	msg  message.Message
}

// recorder keeps every emitted message in order.
type recorder struct {
	mu   sync.Mutex
	sent []emitted
}

func (r *recorder) Emit(_ context.Context, dest string, msg message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, emitted{dest, msg})
	return nil
}

func (r *recorder) to(dest string) []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message.Message
	for _, e := range r.sent {
		if e.dest == dest {
			out = append(out, e.msg)
		}
	}
	return out
}

// transcript renders the emitted stream without IDs, one item per line.
func (r *recorder) transcript(t *testing.T) []byte {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, e := range r.sent {
		switch e.msg.Kind {
		case message.KindData:
			items, err := e.msg.Items()
			require.NoError(t, err)
			fmt.Fprintf(&b, "%s DATA %d\n", e.dest, len(items))
			for _, it := range items {
				b.WriteString(string(it) + "\n")
			}
		case message.KindEOF:
			total, _ := e.msg.Meta.Get(message.KeyTotal)
			peer, _ := e.msg.Meta.Peer()
			fmt.Fprintf(&b, "%s EOF total=%d peer=%d\n", e.dest, total, peer)
		}
	}
	return []byte(b.String())
}

func books(t *testing.T, bs ...Book) [][]byte {
	t.Helper()
	out := make([][]byte, len(bs))
	for i, b := range bs {
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		out[i] = raw
	}
	return out
}

func reviews(t *testing.T, rs ...Review) [][]byte {
	t.Helper()
	out := make([][]byte, len(rs))
	for i, r := range rs {
		raw, err := json.Marshal(r)
		require.NoError(t, err)
		out[i] = raw
	}
	return out
}

func handle(t *testing.T, h interface {
	Handle(context.Context, message.Message) (engine.Decision, error)
}, msgs ...message.Message) {
	t.Helper()
	for _, m := range msgs {
		d, err := h.Handle(context.Background(), m)
		require.NoError(t, err)
		require.Equal(t, engine.Ack, d)
	}
}

func peerMeta(p uint8) message.Metadata {
	return message.Metadata{message.KeyPeer: int64(p)}
}

func newID() uuid.UUID { return uuid.New() }
