package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/snarg/courtscribe/internal/workspace"
)

// LocalStore stores result files on the local filesystem.
type LocalStore struct {
	dir string
}

// NewLocalStore creates a local filesystem object store rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return workspace.WriteFile(path, data)
}

func (s *LocalStore) ContentHash(ctx context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return Hash(data), true, nil
}

func (s *LocalStore) URL(ctx context.Context, key string) (string, error) {
	abs, err := filepath.Abs(s.path(key))
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(s.path(key))
}

func (s *LocalStore) Type() string { return "local" }

// Dir returns the root directory.
func (s *LocalStore) Dir() string { return s.dir }
