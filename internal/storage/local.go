package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore is the flat media cache directory. File existence is the
// cache index; there is no sidecar metadata.
type LocalStore struct {
	dir string
}

// NewLocalStore creates a local filesystem media store.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

// EnsureDir creates the cache directory if missing.
func (s *LocalStore) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.dir, err)
	}
	return nil
}

func (s *LocalStore) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Save streams r into the cache under name.
func (s *LocalStore) Save(ctx context.Context, name string, r io.Reader) error {
	if err := s.EnsureDir(); err != nil {
		return err
	}

	// Atomic write: temp file + rename
	tmp, err := os.CreateTemp(s.dir, ".media-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path(name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// LocalPath returns the path if the file exists, "" otherwise.
func (s *LocalStore) LocalPath(name string) string {
	full := s.Path(name)
	if _, err := os.Stat(full); err == nil {
		return full
	}
	return ""
}

func (s *LocalStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return os.Open(s.Path(name))
}

func (s *LocalStore) Exists(ctx context.Context, name string) bool {
	fi, err := os.Stat(s.Path(name))
	return err == nil && fi.Mode().IsRegular()
}

func (s *LocalStore) Restore(ctx context.Context, name string) (bool, error) {
	return false, nil
}

func (s *LocalStore) Commit(ctx context.Context, name string) error { return nil }

func (s *LocalStore) Type() string { return "local" }

// Dir returns the cache directory path.
func (s *LocalStore) Dir() string { return s.dir }
