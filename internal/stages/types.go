// Package stages holds the book-analysis strategies that plug into the
// generic engines.
package stages

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/bookflow/internal/engine"
)

// Book is one item of a book stream.
type Book struct {
	Title      string   `json:"title"`
	Authors    []string `json:"authors,omitempty"`
	Publisher  string   `json:"publisher,omitempty"`
	Year       int      `json:"year"`
	Categories []string `json:"categories,omitempty"`
}

// Review is one item of a review stream.
type Review struct {
	Title string  `json:"title"`
	Score float64 `json:"score"`
	Text  string  `json:"text,omitempty"`
}

// TitleCount is one line of a tally result.
type TitleCount struct {
	Title   string  `json:"title"`
	Count   int64   `json:"count"`
	Average float64 `json:"average"`
}

// MaxTitleLen is the longest title, in bytes, a stage accepts. Titles are
// stored with a two-byte length and used as tracker keys.
const MaxTitleLen = 4096

var errNoTitle = errors.New("missing title")

func checkTitle(title string) error {
	if title == "" {
		return errNoTitle
	}
	if len(title) > MaxTitleLen {
		return fmt.Errorf("title is %d bytes, limit %d", len(title), MaxTitleLen)
	}
	return nil
}

func parseBook(item []byte) (Book, error) {
	var b Book
	if err := json.Unmarshal(item, &b); err != nil {
		return Book{}, engine.Malformed(fmt.Errorf("decode book: %w", err))
	}
	if err := checkTitle(b.Title); err != nil {
		return Book{}, engine.Malformed(fmt.Errorf("decode book: %w", err))
	}
	return b, nil
}

func parseReview(item []byte) (Review, error) {
	var r Review
	if err := json.Unmarshal(item, &r); err != nil {
		return Review{}, engine.Malformed(fmt.Errorf("decode review: %w", err))
	}
	if err := checkTitle(r.Title); err != nil {
		return Review{}, engine.Malformed(fmt.Errorf("decode review: %w", err))
	}
	if r.Score < 0 {
		return Review{}, engine.Malformed(fmt.Errorf("decode review %q: negative score", r.Title))
	}
	return r, nil
}
