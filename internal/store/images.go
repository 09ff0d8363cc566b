package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hal9999/hal/internal/domain"
)

// RecordImage upserts an image reference seen in slot configuration.
func (s *Store) RecordImage(img *domain.Image) error {
	now := time.Now()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	_, err := s.db.Exec(`INSERT INTO images (id, provider, ref, label, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider, ref) DO UPDATE SET label = excluded.label`,
		img.ID, img.Provider, img.Ref, nullString(img.Label), encodeTime(img.CreatedAt))
	if err != nil {
		return fmt.Errorf("record image %s: %w", img.Ref, err)
	}
	return nil
}

// ListImages returns all recorded images.
func (s *Store) ListImages() ([]*domain.Image, error) {
	rows, err := s.db.Query(`SELECT id, provider, ref, label, created_at
		FROM images ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*domain.Image
	for rows.Next() {
		var (
			img       domain.Image
			label     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&img.ID, &img.Provider, &img.Ref, &label, &createdAt); err != nil {
			return nil, err
		}
		img.Label = label.String
		img.CreatedAt = decodeTime(createdAt)
		images = append(images, &img)
	}
	return images, rows.Err()
}
