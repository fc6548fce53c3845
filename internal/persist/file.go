package persist

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Outcome reports what Load had to do to produce a usable state.
type Outcome int

const (
	// Clean means the file was absent, empty or fully valid.
	Clean Outcome = iota
	// Recovered means a torn trailing record was discarded.
	Recovered
)

func (o Outcome) String() string {
	switch o {
	case Clean:
		return "clean"
	case Recovered:
		return "recovered"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ErrCorrupt marks persisted content that cannot be repaired by truncation.
var ErrCorrupt = errors.New("persisted state is corrupt")

// WriteFileAtomic replaces path with data via a fsynced temporary file and a
// rename.
func WriteFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	return nil
}

// readOptional returns the file content, or nil if the file does not exist.
func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// appendRecord appends rec to path and fsyncs. A torn write writes only the
// prefix handed back by the injector and then reports the crash.
func appendRecord(path string, rec []byte, tear func([]byte) ([]byte, bool)) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	out, torn := tear(rec)
	if _, err := f.Write(out); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if torn {
		return errTorn
	}
	return nil
}

var errTorn = errors.New("torn append")

// Unexpected converts io.EOF into io.ErrUnexpectedEOF. Record decoders use it
// for every read after the first field, so that a record cut short is
// reported as torn rather than as a clean end of file.
func Unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
