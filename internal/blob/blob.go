// Package blob defines the key-addressed byte store images live in, with a
// go-billy filesystem implementation and a MinIO (S3-compatible) one.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read and Move when the source key is absent.
var ErrNotFound = errors.New("blob not found")

// Backend stores image bytes by key. Keys use forward slashes.
type Backend interface {
	Exists(ctx context.Context, key string) (bool, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	// Move renames src to dst, replacing dst if present.
	Move(ctx context.Context, src, dst string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
