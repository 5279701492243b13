package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return map[string]Backend{
		"memory": NewMemory(),
		"local":  local,
	}
}

// TestFS_WriteReadExists verifies the basic round trip on both billy backends.
func TestFS_WriteReadExists(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := b.Exists(ctx, "images/shops/original/a.jpg")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.Write(ctx, "images/shops/original/a.jpg", []byte("abc")))

			ok, err = b.Exists(ctx, "images/shops/original/a.jpg")
			require.NoError(t, err)
			assert.True(t, ok)

			data, err := b.Read(ctx, "images/shops/original/a.jpg")
			require.NoError(t, err)
			assert.Equal(t, []byte("abc"), data)
		})
	}
}

// TestFS_ReadMissing verifies a missing key maps to ErrNotFound.
func TestFS_ReadMissing(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Read(ctx, "images/shops/original/none.jpg")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

// TestFS_MoveReplacesDestination verifies Move lands the source at dst and
// removes the source.
func TestFS_MoveReplacesDestination(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(ctx, "tmp/x", []byte("new")))
			require.NoError(t, b.Write(ctx, "images/shops/small/a.jpg", []byte("old")))

			require.NoError(t, b.Move(ctx, "tmp/x", "images/shops/small/a.jpg"))

			data, err := b.Read(ctx, "images/shops/small/a.jpg")
			require.NoError(t, err)
			assert.Equal(t, []byte("new"), data)

			ok, err := b.Exists(ctx, "tmp/x")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

// TestFS_MoveCreatesParent verifies Move into a directory that does not yet exist.
func TestFS_MoveCreatesParent(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(ctx, "tmp/y", []byte("data")))
			require.NoError(t, b.Move(ctx, "tmp/y", "images/reviews/medium/b.png"))

			ok, err := b.Exists(ctx, "images/reviews/medium/b.png")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

// TestFS_DeleteIsIdempotent verifies deleting a missing key succeeds.
func TestFS_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(ctx, "images/profiles/thumbnail/c.jpg", []byte("c")))
			require.NoError(t, b.Delete(ctx, "images/profiles/thumbnail/c.jpg"))
			require.NoError(t, b.Delete(ctx, "images/profiles/thumbnail/c.jpg"))

			ok, err := b.Exists(ctx, "images/profiles/thumbnail/c.jpg")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
