// Package paths derives storage keys, lock keys and public URLs for images.
//
// Every function here is pure: the key of a derivative depends only on the
// domain, the size name and the stored filename, so it can be computed before
// the file exists.
package paths

import (
	"path"
	"strings"

	"github.com/google/uuid"

	"shopimg/internal/models"
)

// Root is the top-level directory of every image key.
const Root = "images"

const tmpPrefix = "tmp"

// Key returns images/{domain}/{size}/{filename}.
func Key(domain models.Domain, size, filename string) string {
	return path.Join(Root, string(domain), size, filename)
}

// Original returns the key of the original upload.
func Original(domain models.Domain, filename string) string {
	return Key(domain, models.SizeOriginal, filename)
}

// For returns the derivative key of size for rec.
func For(rec *models.ContentRecord, size string) string {
	if size == models.SizeOriginal && rec.OriginalPath != "" {
		return rec.OriginalPath
	}
	return Key(rec.Domain, size, rec.Filename)
}

// Filename builds the stored name for a new upload: the id plus the
// lower-cased extension of the client's filename.
func Filename(id uuid.UUID, clientName string) string {
	return id.String() + strings.ToLower(path.Ext(clientName))
}

// LockKey names the lock guarding generation of one derivative.
func LockKey(filename, size string) string {
	return filename + "." + size
}

// Temp returns a unique scratch key outside the images/ tree.
func Temp() string {
	return path.Join(tmpPrefix, uuid.NewString())
}

// URL joins a public base with a storage key. An empty base yields a
// root-relative URL.
func URL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
