package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage serves split files from a local directory. It exists for
// single-node deployments and tests; the layout matches the S3 key scheme.
type LocalStorage struct {
	dir string
}

// NewLocalStorage creates storage over the given directory.
func NewLocalStorage(dir string) *LocalStorage {
	return &LocalStorage{dir: dir}
}

// FetchFooter implements Storage.
func (l *LocalStorage) FetchFooter(ctx context.Context, splitID string, footerStart, footerEnd uint64) ([]byte, error) {
	return l.FetchRange(ctx, splitID, footerStart, footerEnd)
}

// FetchRange implements Storage.
func (l *LocalStorage) FetchRange(ctx context.Context, splitID string, start, end uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if end <= start {
		return nil, fmt.Errorf("invalid range [%d, %d) for split %s", start, end, splitID)
	}

	f, err := os.Open(filepath.Join(l.dir, splitID+".split"))
	if err != nil {
		return nil, fmt.Errorf("opening split %s: %w", splitID, err)
	}
	defer f.Close()

	data := make([]byte, end-start)
	n, err := f.ReadAt(data, int64(start))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading split %s range [%d, %d): %w", splitID, start, end, err)
	}
	return data[:n], nil
}

// WriteSplit stores a split file, used by tests and dev tooling.
func (l *LocalStorage) WriteSplit(splitID string, data []byte) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(l.dir, splitID+".split"), data, 0o644)
}
