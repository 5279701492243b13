package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// File locks with flock(2) on {dir}/{key}.lock. The kernel drops the lock
// when the holding process exits, so a crashed generator leaves at most an
// unlocked file behind. Release unlocks and removes the file.
type File struct {
	dir string
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	return &File{dir: dir}, nil
}

// Path returns the lock file for key.
func (f *File) Path(key string) string {
	return filepath.Join(f.dir, filepath.Base(key)+".lock")
}

func (f *File) TryAcquire(_ context.Context, key string) (*Token, bool, error) {
	path := f.Path(key)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("try lock %s: %w", path, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Token{
		Key: key,
		held: func(context.Context) error {
			// Unlink before unlocking.
			rmErr := os.Remove(path)
			if errors.Is(rmErr, os.ErrNotExist) {
				rmErr = nil
			}
			return errors.Join(rmErr, fl.Unlock())
		},
	}, true, nil
}

func (f *File) Release(ctx context.Context, tok *Token) error {
	return release(ctx, tok)
}
