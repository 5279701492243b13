// Package registry tracks which derivatives of a content record have been
// written to storage. The persisted flag map is the only cache state: a
// size is ready exactly when its flag is set.
package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"shopimg/internal/models"
)

// Store persists the flag map of a record.
type Store interface {
	LoadGeneratedSizes(ctx context.Context, id uuid.UUID) (models.GeneratedSizes, error)
	// SaveGeneratedSizes merges sizes into the stored map.
	SaveGeneratedSizes(ctx context.Context, id uuid.UUID, sizes models.GeneratedSizes) error
}

type Registry struct {
	store Store
}

func New(store Store) *Registry {
	return &Registry{store: store}
}

// IsGenerated reads the in-memory flag of rec without touching the store.
func (r *Registry) IsGenerated(rec *models.ContentRecord, size string) bool {
	return rec.Generated.Has(size)
}

// Refresh replaces rec's flags with the persisted ones, which may have been
// set by another process since rec was loaded.
func (r *Registry) Refresh(ctx context.Context, rec *models.ContentRecord) error {
	const op = "registry.Refresh"

	sizes, err := r.store.LoadGeneratedSizes(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rec.Generated = sizes
	return nil
}

// MarkGenerated sets the flag for size and persists it. Call it only after
// the derivative has been committed to storage.
func (r *Registry) MarkGenerated(ctx context.Context, rec *models.ContentRecord, size string) error {
	const op = "registry.MarkGenerated"

	// Only the one flag is sent: rec may hold stale entries for other sizes.
	if err := r.store.SaveGeneratedSizes(ctx, rec.ID, models.GeneratedSizes{size: true}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	next := rec.Generated.Clone()
	next[size] = true
	rec.Generated = next
	return nil
}
