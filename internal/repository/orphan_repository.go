package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"edustorage/internal/domain"
)

// OrphanRepository — очередь объектов хранилища, которые нужно дочистить.
type OrphanRepository struct {
	db *sqlx.DB
}

func NewOrphanRepository(db *sqlx.DB) *OrphanRepository {
	return &OrphanRepository{db: db}
}

func (r *OrphanRepository) EnqueueOrphan(ctx context.Context, key, reason string) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO orphan_objects (storage_key, reason)
        VALUES ($1, $2)
        ON CONFLICT (storage_key) DO NOTHING`,
		key, reason)
	if err != nil {
		return fmt.Errorf("failed to enqueue orphan: %w", err)
	}
	return nil
}

func (r *OrphanRepository) ListOrphans(ctx context.Context, limit int) ([]domain.OrphanObject, error) {
	orphans := make([]domain.OrphanObject, 0)

	err := r.db.SelectContext(ctx, &orphans, `
        SELECT storage_key, reason, attempts, created_at, last_attempt_at
        FROM orphan_objects
        ORDER BY created_at
        LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphans: %w", err)
	}
	return orphans, nil
}

func (r *OrphanRepository) MarkOrphanAttempt(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE orphan_objects
        SET attempts = attempts + 1,
            last_attempt_at = CURRENT_TIMESTAMP
        WHERE storage_key = $1`,
		key)
	if err != nil {
		return fmt.Errorf("failed to mark orphan attempt: %w", err)
	}
	return nil
}

func (r *OrphanRepository) RemoveOrphan(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM orphan_objects WHERE storage_key = $1`, key); err != nil {
		return fmt.Errorf("failed to remove orphan: %w", err)
	}
	return nil
}
