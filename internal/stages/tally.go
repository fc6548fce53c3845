package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/engine"
	"github.com/roach88/bookflow/internal/message"
	"github.com/roach88/bookflow/internal/persist"
	"github.com/roach88/bookflow/internal/tracker"
)

// Defaults for ReviewTally.
const (
	DefaultTopK      = 10
	DefaultChunkSize = 100
)

// ReviewTally merges review counts from every upstream peer. When the quorum
// is complete it emits every title's count to the results queue and the
// most-reviewed titles to the top queue.
type ReviewTally struct {
	instance  uint8
	topK      int
	chunkSize int
	results   string
	top       string
	emitter   engine.Emitter
}

// NewReviewTally builds a tally. An empty top queue disables the top-K output.
func NewReviewTally(instance uint8, topK, chunkSize int, results, top string, em engine.Emitter) (*ReviewTally, error) {
	if results == "" {
		return nil, fmt.Errorf("review tally needs a results queue")
	}
	if topK <= 0 || chunkSize <= 0 {
		return nil, fmt.Errorf("review tally: top_k and chunk_size must be positive")
	}
	return &ReviewTally{
		instance:  instance,
		topK:      topK,
		chunkSize: chunkSize,
		results:   results,
		top:       top,
		emitter:   em,
	}, nil
}

func (r *ReviewTally) Decoder() persist.Decoder { return DecodeReviewCount }

func (r *ReviewTally) ProcessChunk(_ context.Context, s *tracker.SyncTracker, _ uint8, _ uuid.UUID, items [][]byte) error {
	for _, item := range items {
		rev, err := parseReview(item)
		if err != nil {
			return err
		}
		c := ReviewCount{Title: rev.Title}
		if prev, ok := s.GetData(c.Key()); ok {
			c = prev.(ReviewCount)
		}
		c.Count++
		c.ScoreSum += rev.Score
		s.PutData(c)
	}
	return nil
}

func (r *ReviewTally) Terminate(ctx context.Context, s *tracker.SyncTracker) error {
	counts := collect(s)

	sort.Slice(counts, func(i, j int) bool { return counts[i].Key() < counts[j].Key() })
	if err := r.emitChunked(ctx, s, r.results, "results", counts); err != nil {
		return err
	}

	if r.top == "" {
		return nil
	}
	return r.emitChunked(ctx, s, r.top, "top", TopK(counts, r.topK))
}

func collect(s *tracker.SyncTracker) []ReviewCount {
	counts := make([]ReviewCount, 0, s.DataLen())
	s.EachData(func(rec persist.Record) {
		counts = append(counts, rec.(ReviewCount))
	})
	return counts
}

// emitChunked sends counts in order as DATA chunks followed by an EOF. Every
// ID is derived from the tenant's EOF ID so a repeated Terminate re-sends
// identical messages.
func (r *ReviewTally) emitChunked(ctx context.Context, s *tracker.SyncTracker, queue, label string, counts []ReviewCount) error {
	meta := message.Metadata{message.KeyPeer: int64(r.instance)}
	for start, n := 0, 0; start < len(counts); start, n = start+r.chunkSize, n+1 {
		end := min(start+r.chunkSize, len(counts))
		items := make([][]byte, 0, end-start)
		for _, c := range counts[start:end] {
			line, err := json.Marshal(TitleCount{Title: c.Title, Count: c.Count, Average: c.Average()})
			if err != nil {
				return fmt.Errorf("encode %q: %w", c.Title, err)
			}
			items = append(items, line)
		}
		id := engine.DerivedID(s.EOFID(), fmt.Sprintf("%s/%d", label, n))
		if err := r.emitter.Emit(ctx, queue, message.NewData(id, s.Tenant(), items, meta)); err != nil {
			return fmt.Errorf("emit %s chunk %d: %w", label, n, err)
		}
	}
	eof := message.NewEOF(engine.DerivedID(s.EOFID(), label), s.Tenant(), int64(len(counts)), meta)
	if err := r.emitter.Emit(ctx, queue, eof); err != nil {
		return fmt.Errorf("emit %s EOF: %w", label, err)
	}
	return nil
}

// TopK returns the k titles with most reviews. Ties are broken by title so
// the cutoff is deterministic.
func TopK(counts []ReviewCount, k int) []ReviewCount {
	ranked := append([]ReviewCount(nil), counts...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Key() < ranked[j].Key()
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
