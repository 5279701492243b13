// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"shopimg/internal/models"
)

var ErrNotFound = errors.New("content record not found")

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	storage := &Storage{pool: pool, db: db}

	if err := storage.ensureSchemaCompatibility(ctx); err != nil {
		storage.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return storage, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ensureSchemaCompatibility upgrades tables created before generated_sizes
// existed and turns SQL NULLs into empty maps.
func (s *Storage) ensureSchemaCompatibility(ctx context.Context) error {
	const op = "storage.ensureSchemaCompatibility"

	_, err := s.pool.Exec(ctx, `
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM information_schema.columns
			               WHERE table_name = 'content_records' AND column_name = 'generated_sizes') THEN
				ALTER TABLE content_records ADD COLUMN generated_sizes JSONB NOT NULL DEFAULT '{}'::jsonb;
			END IF;
		END $$;
	`)
	if err != nil {
		return fmt.Errorf("%s: failed to add generated_sizes: %w", op, err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE content_records SET generated_sizes = '{}'::jsonb WHERE generated_sizes IS NULL OR generated_sizes = 'null'::jsonb`)
	if err != nil {
		return fmt.Errorf("%s: failed to normalise generated_sizes: %w", op, err)
	}
	return nil
}

func (s *Storage) SaveRecord(ctx context.Context, rec *models.ContentRecord) error {
	const op = "storage.SaveRecord"

	sizes, err := json.Marshal(rec.Generated)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO content_records (id, domain, filename, original_path, generated_sizes)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 RETURNING created_at`,
		rec.ID, string(rec.Domain), rec.Filename, rec.OriginalPath, string(sizes)).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetRecord(ctx context.Context, id uuid.UUID) (*models.ContentRecord, error) {
	const op = "storage.GetRecord"

	var (
		rec    models.ContentRecord
		domain string
		raw    []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, domain, filename, original_path, generated_sizes, created_at
		 FROM content_records WHERE id = $1`,
		id).Scan(&rec.ID, &domain, &rec.Filename, &rec.OriginalPath, &raw, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rec.Domain = models.Domain(domain)
	rec.Generated, err = models.ParseGeneratedSizes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: record %s: %w", op, id, err)
	}
	return &rec, nil
}

func (s *Storage) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	const op = "storage.DeleteRecord"
	tag, err := s.pool.Exec(ctx, `DELETE FROM content_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w: %s", op, ErrNotFound, id)
	}
	return nil
}

func (s *Storage) LoadGeneratedSizes(ctx context.Context, id uuid.UUID) (models.GeneratedSizes, error) {
	const op = "storage.LoadGeneratedSizes"

	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT generated_sizes FROM content_records WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sizes, err := models.ParseGeneratedSizes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: record %s: %w", op, id, err)
	}
	return sizes, nil
}

// SaveGeneratedSizes merges sizes into the stored flag map under a row lock.
// Keys in sizes overwrite stored ones and keys absent from sizes keep their
// stored value. A legacy JSON-string value is normalised first and written
// back as an object.
func (s *Storage) SaveGeneratedSizes(ctx context.Context, id uuid.UUID, sizes models.GeneratedSizes) error {
	const op = "storage.SaveGeneratedSizes"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	var kind string
	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(jsonb_typeof(generated_sizes), 'null'), generated_sizes FROM content_records WHERE id = $1 FOR UPDATE`,
		id).Scan(&kind, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w: %s", op, ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	merged := sizes
	if kind != "object" {
		legacy, err := models.ParseGeneratedSizes(raw)
		if err != nil {
			return fmt.Errorf("%s: record %s: %w", op, id, err)
		}
		for name, ok := range sizes {
			legacy[name] = ok
		}
		merged = legacy
	}
	patch, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE content_records
		 SET generated_sizes = CASE WHEN jsonb_typeof(generated_sizes) = 'object'
		                            THEN generated_sizes ELSE '{}'::jsonb END || $2::jsonb
		 WHERE id = $1`,
		id, string(patch))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
