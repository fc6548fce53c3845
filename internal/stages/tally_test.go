package stages

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bookflow/internal/engine"
	"github.com/roach88/bookflow/internal/faults"
	"github.com/roach88/bookflow/internal/message"
)

func newTally(t *testing.T, out engine.Emitter, topK, chunkSize int) *ReviewTally {
	t.Helper()
	r, err := NewReviewTally(0, topK, chunkSize, "results", "top", out)
	require.NoError(t, err)
	return r
}

func tallyInput(t *testing.T, tenant uuid.UUID) []message.Message {
	t.Helper()
	return []message.Message{
		message.NewData(newID(), tenant, reviews(t,
			Review{Title: "Dune", Score: 5},
			Review{Title: "Emma", Score: 4},
			Review{Title: "Dune", Score: 3},
		), peerMeta(0)),
		message.NewEOF(newID(), tenant, 3, peerMeta(0)),
		message.NewData(newID(), tenant, reviews(t,
			Review{Title: "Ulysses", Score: 2},
			Review{Title: "Emma", Score: 5},
		), peerMeta(1)),
		message.NewData(newID(), tenant, reviews(t,
			Review{Title: "Beloved", Score: 4},
			Review{Title: "Ulysses", Score: 4},
		), peerMeta(1)),
		message.NewEOF(newID(), tenant, 4, peerMeta(1)),
	}
}

func TestReviewTally_Golden(t *testing.T) {
	out := &recorder{}
	s, err := engine.NewSynchronizer("tally", t.TempDir(), []uint8{0, 1}, newTally(t, out, 2, 2))
	require.NoError(t, err)

	handle(t, s, tallyInput(t, uuid.New())...)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "review_tally", out.transcript(t))
}

func TestReviewTally_MergesNormalizedTitles(t *testing.T) {
	out := &recorder{}
	s, err := engine.NewSynchronizer("tally", t.TempDir(), []uint8{0, 1}, newTally(t, out, 1, 10))
	require.NoError(t, err)

	tenant := uuid.New()
	handle(t, s,
		message.NewData(newID(), tenant, reviews(t, Review{Title: "Café", Score: 2}), peerMeta(0)),
		message.NewData(newID(), tenant, reviews(t, Review{Title: "Cafe\u0301", Score: 4}), peerMeta(1)),
		message.NewEOF(newID(), tenant, 1, peerMeta(0)),
		message.NewEOF(newID(), tenant, 1, peerMeta(1)),
	)

	msgs := out.to("results")
	require.Len(t, msgs, 2)
	items, err := msgs[0].Items()
	require.NoError(t, err)
	require.Len(t, items, 1)
	var got TitleCount
	require.NoError(t, json.Unmarshal(items[0], &got))
	assert.Equal(t, "Café", got.Title)
	assert.Equal(t, int64(2), got.Count)
	assert.InDelta(t, 3.0, got.Average, 1e-9)
}

func TestReviewTally_RepeatedTerminateIsIdempotent(t *testing.T) {
	root := t.TempDir()
	tenant := uuid.New()
	msgs := tallyInput(t, tenant)

	out := &recorder{}
	plan := faults.NewPlan().CrashAt(faults.EngineTerminated, 1)
	s, err := engine.NewSynchronizer("tally", root, []uint8{0, 1}, newTally(t, out, 2, 2), engine.WithFaults(plan))
	require.NoError(t, err)
	handle(t, s, msgs[:len(msgs)-1]...)
	_, err = s.Handle(context.Background(), msgs[len(msgs)-1])
	require.ErrorIs(t, err, faults.ErrCrash)
	first := len(out.sent)
	require.Positive(t, first)

	restarted, err := engine.NewSynchronizer("tally", root, []uint8{0, 1}, newTally(t, out, 2, 2))
	require.NoError(t, err)
	require.NoError(t, restarted.Recover(context.Background()))
	require.True(t, restarted.IsDone(tenant))

	require.Len(t, out.sent, 2*first)
	for i := range first {
		assert.Equal(t, out.sent[i].dest, out.sent[first+i].dest)
		assert.Equal(t, out.sent[i].msg, out.sent[first+i].msg)
	}
}

func TestReviewTally_MalformedReview(t *testing.T) {
	s, err := engine.NewSynchronizer("tally", t.TempDir(), []uint8{0}, newTally(t, &recorder{}, 1, 1))
	require.NoError(t, err)

	for _, item := range []string{`[]`, `{"score": 3}`, `{"title": "Emma", "score": -1}`} {
		d, err := s.Handle(context.Background(), message.NewData(newID(), uuid.New(), [][]byte{[]byte(item)}, peerMeta(0)))
		assert.True(t, engine.IsMalformed(err), item)
		assert.Equal(t, engine.Reject, d)
	}
}

func TestReviewTally_LongTitles(t *testing.T) {
	out := &recorder{}
	s, err := engine.NewSynchronizer("tally", t.TempDir(), []uint8{0}, newTally(t, out, 3, 10))
	require.NoError(t, err)
	tenant := uuid.New()

	var want []string
	for _, n := range []int{255, 256, 300, MaxTitleLen} {
		title := strings.Repeat("w", n)
		want = append(want, title)
		handle(t, s, message.NewData(newID(), tenant, reviews(t, Review{Title: title, Score: 5}), peerMeta(0)))
	}

	d, err := s.Handle(context.Background(), message.NewData(newID(), tenant,
		reviews(t, Review{Title: strings.Repeat("w", 70000), Score: 5}), peerMeta(0)))
	assert.Equal(t, engine.Reject, d)
	assert.True(t, engine.IsMalformed(err))

	handle(t, s, message.NewEOF(newID(), tenant, int64(len(want)), peerMeta(0)))
	require.True(t, s.IsDone(tenant))

	var got []string
	for _, m := range out.to("results") {
		if m.Kind != message.KindData {
			continue
		}
		items, err := m.Items()
		require.NoError(t, err)
		for _, it := range items {
			var tc TitleCount
			require.NoError(t, json.Unmarshal(it, &tc))
			assert.Equal(t, int64(1), tc.Count)
			got = append(got, tc.Title)
		}
	}
	assert.ElementsMatch(t, want, got)
}

func TestReviewTally_WithoutTopQueue(t *testing.T) {
	out := &recorder{}
	r, err := NewReviewTally(0, 3, 10, "results", "", out)
	require.NoError(t, err)
	s, err := engine.NewSynchronizer("tally", t.TempDir(), []uint8{0, 1}, r)
	require.NoError(t, err)

	handle(t, s, tallyInput(t, uuid.New())...)
	assert.Empty(t, out.to("top"))
	assert.Len(t, out.to("results"), 2)
}
