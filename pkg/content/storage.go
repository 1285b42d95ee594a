package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	xx "github.com/cespare/xxhash/v2"
)

// FileStore keeps content files under a two-level fan-out directory
// derived from the locator hash.
type FileStore struct {
	base string
}

func OpenFileStore(base string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(base, "content"), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{base: base}, nil
}

func (s *FileStore) path(locator string) (string, error) {
	if locator == "" || locator == "." || locator == ".." || strings.ContainsAny(locator, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	h := fmt.Sprintf("%016x", xx.Sum64String(locator))
	return filepath.Join(s.base, "content", h[:2], h[2:4], locator), nil
}

// Put stores a whole file. Used to seed content; the archive path proper
// lives elsewhere.
func (s *FileStore) Put(locator string, data []byte) error {
	p, err := s.path(locator)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(p+".tmp", data, 0o644); err != nil {
		return err
	}
	return os.Rename(p+".tmp", p)
}

func (s *FileStore) Read(_ context.Context, locator string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, ErrInvalidRange
	}
	p, err := s.path(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if offset >= fi.Size() {
		return []byte{}, nil
	}
	// the buffer is bounded by the file, not by what the caller asked for
	buf := make([]byte, min(length, fi.Size()-offset))
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("content: read %s at %d: %w", locator, offset, err)
	}
	return buf[:n], nil
}
