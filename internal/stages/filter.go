package stages

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/engine"
	"github.com/roach88/bookflow/internal/message"
	"github.com/roach88/bookflow/internal/persist"
	"github.com/roach88/bookflow/internal/shard"
	"github.com/roach88/bookflow/internal/tracker"
)

// BookFilter keeps the books published inside a year range, optionally
// restricted to one category, and routes them by title across its output
// queues.
type BookFilter struct {
	instance uint8
	minYear  int
	maxYear  int
	category string
	queues   []string
	emitter  engine.Emitter

	// kept holds the current chunk's surviving items per destination.
	kept map[uuid.UUID][][][]byte
}

// NewBookFilter builds a filter emitting to queues in shard order.
func NewBookFilter(instance uint8, minYear, maxYear int, category string, queues []string, em engine.Emitter) (*BookFilter, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("book filter needs at least one output queue")
	}
	if minYear > maxYear {
		return nil, fmt.Errorf("book filter: min_year %d after max_year %d", minYear, maxYear)
	}
	return &BookFilter{
		instance: instance,
		minYear:  minYear,
		maxYear:  maxYear,
		category: category,
		queues:   queues,
		emitter:  em,
		kept:     make(map[uuid.UUID][][][]byte),
	}, nil
}

func sentKey(i int) string { return "SENT_" + strconv.Itoa(i) }

func (f *BookFilter) Decoder() persist.Decoder { return nil }

func (f *BookFilter) Adapt(t *tracker.Tracker) {
	for i := range f.queues {
		t.Register(sentKey(i), 0)
	}
	f.kept[t.Tenant()] = make([][][]byte, len(f.queues))
}

func (f *BookFilter) Work(_ context.Context, t *tracker.Tracker, item []byte) error {
	b, err := parseBook(item)
	if err != nil {
		return err
	}
	if !f.keep(b) {
		return nil
	}
	i := shard.Shard(b.Title, len(f.queues))
	f.kept[t.Tenant()][i] = append(f.kept[t.Tenant()][i], item)
	return nil
}

func (f *BookFilter) keep(b Book) bool {
	if b.Year < f.minYear || b.Year > f.maxYear {
		return false
	}
	if f.category == "" {
		return true
	}
	for _, c := range b.Categories {
		if strings.EqualFold(c, f.category) {
			return true
		}
	}
	return false
}

func (f *BookFilter) AfterWork(ctx context.Context, t *tracker.Tracker, chunk uuid.UUID) (engine.Output, error) {
	kept := f.kept[t.Tenant()]
	delete(f.kept, t.Tenant())

	var out engine.Output
	for i, items := range kept {
		if len(items) == 0 {
			continue
		}
		msg := message.NewData(engine.DerivedID(chunk, f.queues[i]), t.Tenant(), items, message.Metadata{message.KeyPeer: int64(f.instance)})
		if err := f.emitter.Emit(ctx, f.queues[i], msg); err != nil {
			return engine.Output{}, fmt.Errorf("emit to %s: %w", f.queues[i], err)
		}
		out.Sent += int64(len(items))
		out.Updates = append(out.Updates, tracker.Add(sentKey(i), int64(len(items))))
	}
	return out, nil
}

// Terminate announces one EOF per output queue. With a single queue the
// total is the completion total, which also covers ring mode where this
// instance speaks for the whole ring.
func (f *BookFilter) Terminate(ctx context.Context, t *tracker.Tracker, c engine.Completion) error {
	for i, q := range f.queues {
		total := t.Get(sentKey(i))
		if len(f.queues) == 1 {
			total = c.Sent
		}
		msg := message.NewEOF(engine.DerivedID(t.EOFID(), q), t.Tenant(), total, message.Metadata{message.KeyPeer: int64(f.instance)})
		if err := f.emitter.Emit(ctx, q, msg); err != nil {
			return fmt.Errorf("emit EOF to %s: %w", q, err)
		}
	}
	return nil
}
