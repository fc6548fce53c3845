package tracker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/persist"
)

// Files inside a tenant directory.
const (
	MetaFile       = "meta.json"
	DataFile       = "data.bin"
	WorkedFile     = "worked.log"
	PeerWorkedFile = "worked.bin"
	WALFile        = "wal.log"
)

// Tenants lists the tenant directories under root in sorted order. Entries
// whose name is not a UUID are skipped.
func Tenants(root string) ([]uuid.UUID, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tenants in %s: %w", root, err)
	}

	var out []uuid.UUID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Dir returns the directory holding tenant's state under root.
func Dir(root string, tenant uuid.UUID) string {
	return filepath.Join(root, tenant.String())
}

func encodeInt(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func decodeInt(b []byte) (int64, error) {
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: metadata pre-image %q", persist.ErrCorrupt, b)
	}
	return v, nil
}

func noRecords(dir string) persist.Decoder {
	return func(r io.Reader) (persist.Record, error) {
		var b [1]byte
		if _, err := r.Read(b[:]); err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%s holds data records but no decoder was configured", dir)
	}
}
