package stages

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/roach88/bookflow/internal/persist"
	"github.com/roach88/bookflow/internal/shard"
)

// ReviewCount accumulates the reviews of one title.
//
// Encoding: title_len(2, BE) | title | count(8, BE) | score_sum(8, IEEE 754 BE).
// The key is the normalized title so differently composed spellings merge.
// Titles reach a ReviewCount only through parseReview, which caps them at
// MaxTitleLen.
type ReviewCount struct {
	Title    string
	Count    int64
	ScoreSum float64
}

func (c ReviewCount) Key() string { return shard.NormalizeKey(c.Title) }

func (c ReviewCount) Encode() []byte {
	buf := make([]byte, 0, 2+len(c.Title)+16)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Title)))
	buf = append(buf, c.Title...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.Count))
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(c.ScoreSum))
}

// Average is the mean score, zero for an empty count.
func (c ReviewCount) Average() float64 {
	if c.Count == 0 {
		return 0
	}
	return c.ScoreSum / float64(c.Count)
}

// DecodeReviewCount reads one ReviewCount. It returns io.EOF at a clean
// record boundary.
func DecodeReviewCount(r io.Reader) (persist.Record, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	title := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, title); err != nil {
		return nil, persist.Unexpected(err)
	}
	var body [16]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		return nil, persist.Unexpected(err)
	}
	return ReviewCount{
		Title:    string(title),
		Count:    int64(binary.BigEndian.Uint64(body[:8])),
		ScoreSum: math.Float64frombits(binary.BigEndian.Uint64(body[8:])),
	}, nil
}
