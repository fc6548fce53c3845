package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/wal"
)

// Summary is a read-only view of one tenant directory.
type Summary struct {
	Tenant       uuid.UUID                  `json:"tenant"`
	Metadata     map[string]json.RawMessage `json:"metadata"`
	WorkedChunks int                        `json:"worked_chunks"`
	DataBytes    int64                      `json:"data_bytes"`
	WAL          []string                   `json:"wal,omitempty"`
	WALTruncated bool                       `json:"wal_truncated,omitempty"`
}

// Describe summarizes the tenant directory at dir without repairing or
// modifying anything in it.
func Describe(dir string) (Summary, error) {
	s := Summary{Metadata: map[string]json.RawMessage{}}

	id, err := uuid.Parse(filepath.Base(dir))
	if err != nil {
		return s, fmt.Errorf("%s is not a tenant directory: %w", dir, err)
	}
	s.Tenant = id

	meta, err := readIfExists(filepath.Join(dir, MetaFile))
	if err != nil {
		return s, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return s, fmt.Errorf("parse %s: %w", MetaFile, err)
		}
	}

	worked, err := readIfExists(filepath.Join(dir, WorkedFile))
	if err != nil {
		return s, err
	}
	s.WorkedChunks = bytes.Count(worked, []byte{'\n'})

	peerWorked, err := readIfExists(filepath.Join(dir, PeerWorkedFile))
	if err != nil {
		return s, err
	}
	s.WorkedChunks += len(peerWorked) / 17

	if info, err := os.Stat(filepath.Join(dir, DataFile)); err == nil {
		s.DataBytes = info.Size()
	}

	log, err := readIfExists(filepath.Join(dir, WALFile))
	if err != nil {
		return s, err
	}
	recs, truncated := wal.Decode(log)
	s.WALTruncated = truncated
	for _, r := range recs {
		switch r.Tag {
		case wal.TagBegin, wal.TagCommit:
			s.WAL = append(s.WAL, fmt.Sprintf("%s %s peer=%d", r.Tag, r.Chunk, r.Peer))
		case wal.TagWrite:
			s.WAL = append(s.WAL, fmt.Sprintf("%s (%d bytes)", r.Tag, len(r.Old)))
		default:
			s.WAL = append(s.WAL, fmt.Sprintf("%s %s (%d bytes)", r.Tag, r.Key, len(r.Old)))
		}
	}
	return s, nil
}

func readIfExists(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}
