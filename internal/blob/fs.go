package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// FS stores blobs in a billy filesystem. Rename on the local filesystem is
// atomic, so a derivative key never exposes a half-written file.
type FS struct {
	bfs billy.Filesystem
}

// NewLocal roots the store at dir on disk.
func NewLocal(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FS{bfs: osfs.New(dir)}, nil
}

// NewMemory returns an empty in-memory store.
func NewMemory() *FS {
	return &FS{bfs: memfs.New()}
}

// Unwrap exposes the underlying billy filesystem.
func (f *FS) Unwrap() billy.Filesystem {
	return f.bfs
}

func (f *FS) Exists(_ context.Context, key string) (bool, error) {
	_, err := f.bfs.Stat(key)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %q: %w", key, err)
}

func (f *FS) Read(_ context.Context, key string) ([]byte, error) {
	data, err := util.ReadFile(f.bfs, key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return data, nil
}

func (f *FS) Write(_ context.Context, key string, data []byte) error {
	if err := f.bfs.MkdirAll(path.Dir(key), 0755); err != nil {
		return fmt.Errorf("mkdir for %q: %w", key, err)
	}
	if err := util.WriteFile(f.bfs, key, data, 0644); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

func (f *FS) Move(_ context.Context, src, dst string) error {
	if err := f.bfs.MkdirAll(path.Dir(dst), 0755); err != nil {
		return fmt.Errorf("mkdir for %q: %w", dst, err)
	}
	if err := f.bfs.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("move %q: %w", src, ErrNotFound)
		}
		return fmt.Errorf("move %q to %q: %w", src, dst, err)
	}
	return nil
}

func (f *FS) Delete(_ context.Context, key string) error {
	if err := f.bfs.Remove(key); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}
