package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"edustorage/internal/domain"
)

const fileColumns = `id, owner_id, original_file_id, name, file_type, size_bytes, mime_type,
        storage_provider, storage_key, folder_id, can_read, can_write, can_delete, can_share,
        version, created_at, updated_at`

type FileRepository struct {
	db *sqlx.DB
}

func NewFileRepository(db *sqlx.DB) *FileRepository {
	return &FileRepository{db: db}
}

func (r *FileRepository) ListFiles(ctx context.Context, ownerID string, filter domain.FileFilter) ([]domain.PersonalFile, error) {
	query := `SELECT ` + fileColumns + ` FROM personal_files WHERE owner_id = $1`
	args := []any{ownerID}

	switch {
	case filter.FolderID != nil:
		args = append(args, *filter.FolderID)
		query += fmt.Sprintf(" AND folder_id = $%d", len(args))
	case filter.RootOnly:
		query += " AND folder_id IS NULL"
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND file_type = $%d", len(args))
	}
	if filter.Query != "" {
		args = append(args, "%"+escapeLike(filter.Query)+"%")
		query += fmt.Sprintf(` AND name ILIKE $%d ESCAPE '\'`, len(args))
	}
	query += " ORDER BY name"

	files := make([]domain.PersonalFile, 0)
	if err := r.db.SelectContext(ctx, &files, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

func (r *FileRepository) GetFile(ctx context.Context, id uuid.UUID) (*domain.PersonalFile, error) {
	var file domain.PersonalFile

	err := r.db.GetContext(ctx, &file, `SELECT `+fileColumns+` FROM personal_files WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeFileNotFound, "file %s not found", id)
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return &file, nil
}

func (r *FileRepository) FileByStorageKey(ctx context.Context, key string) (*domain.PersonalFile, error) {
	var file domain.PersonalFile

	err := r.db.GetContext(ctx, &file, `SELECT `+fileColumns+` FROM personal_files WHERE storage_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeFileNotFound, "no file with storage key %s", key)
		}
		return nil, fmt.Errorf("failed to get file by storage key: %w", err)
	}
	return &file, nil
}

// CreateFile вставляет строку, обновляет статистику папки и подтверждает резерв.
func (r *FileRepository) CreateFile(ctx context.Context, file *domain.PersonalFile, reservationID uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if res.Status != domain.ReservationPending {
		return domain.NewError(domain.CodeReservationExpired, "reservation %s is %s", reservationID, res.Status)
	}
	if res.OwnerID != file.OwnerID || res.Bytes != file.SizeBytes {
		return domain.NewError(domain.CodeValidation, "reservation %s does not match file", reservationID)
	}

	if file.FolderID != nil {
		if err := checkFolderOwner(ctx, tx, *file.FolderID, file.OwnerID); err != nil {
			return err
		}
	}

	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	if file.Version == 0 {
		file.Version = 1
	}

	err = tx.QueryRowContext(ctx, `
        INSERT INTO personal_files (id, owner_id, original_file_id, name, file_type, size_bytes, mime_type,
            storage_provider, storage_key, folder_id, can_read, can_write, can_delete, can_share, version)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
        RETURNING created_at, updated_at`,
		file.ID, file.OwnerID, file.OriginalFileID, file.Name, file.Type, file.SizeBytes, file.MIMEType,
		file.StorageProvider, file.StorageKey, file.FolderID,
		file.Read, file.Write, file.Delete, file.Share, file.Version,
	).Scan(&file.CreatedAt, &file.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.CodeValidation, "storage key %s already in use", file.StorageKey)
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}

	if file.FolderID != nil {
		if err := adjustFolder(ctx, tx, *file.FolderID, 1, file.SizeBytes); err != nil {
			return err
		}
	}
	if err := markReservation(ctx, tx, reservationID, domain.ReservationCommitted); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteFile удаляет строку и в той же транзакции освобождает квоту.
func (r *FileRepository) DeleteFile(ctx context.Context, id uuid.UUID, ownerID string) (*domain.PersonalFile, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	file, err := lockOwnedFile(ctx, tx, id, ownerID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM personal_files WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("failed to delete file: %w", err)
	}
	if file.FolderID != nil {
		if err := adjustFolder(ctx, tx, *file.FolderID, -1, -file.SizeBytes); err != nil {
			return nil, err
		}
	}
	if err := adjustUsed(ctx, tx, ownerID, -file.SizeBytes); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit file deletion: %w", err)
	}
	return file, nil
}

// ReplaceContent проверяет и увеличивает версию, переносит разницу размера
// в папку и квоту.
func (r *FileRepository) ReplaceContent(ctx context.Context, change domain.ContentChange) (*domain.ContentReplacement, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	file, err := lockOwnedFile(ctx, tx, change.FileID, change.OwnerID)
	if err != nil {
		return nil, err
	}
	if file.Version != change.ExpectedVersion {
		return nil, domain.NewError(domain.CodeVersionConflict,
			"file %s is at version %d, expected %d", file.ID, file.Version, change.ExpectedVersion)
	}

	delta := change.SizeBytes - file.SizeBytes
	if delta > 0 {
		if change.ReservationID == nil {
			return nil, domain.NewError(domain.CodeValidation, "growing file %s requires a reservation", file.ID)
		}
		res, err := lockReservation(ctx, tx, *change.ReservationID)
		if err != nil {
			return nil, err
		}
		if res.Status != domain.ReservationPending {
			return nil, domain.NewError(domain.CodeReservationExpired, "reservation %s is %s", res.ID, res.Status)
		}
		if res.OwnerID != change.OwnerID || res.Bytes != delta {
			return nil, domain.NewError(domain.CodeValidation, "reservation %s does not match size change", res.ID)
		}
	}

	replacement := &domain.ContentReplacement{PreviousKey: file.StorageKey, PreviousSize: file.SizeBytes}

	var updated domain.PersonalFile
	err = tx.GetContext(ctx, &updated, `
        UPDATE personal_files
        SET size_bytes = $1,
            mime_type = $2,
            file_type = $3,
            storage_key = $4,
            version = version + 1,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $5 AND version = $6
        RETURNING `+fileColumns,
		change.SizeBytes, change.MIMEType, change.Type, change.StorageKey, change.FileID, change.ExpectedVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeVersionConflict, "file %s was modified concurrently", change.FileID)
		}
		if isUniqueViolation(err) {
			return nil, domain.NewError(domain.CodeValidation, "storage key %s already in use", change.StorageKey)
		}
		return nil, fmt.Errorf("failed to update file content: %w", err)
	}

	if file.FolderID != nil && delta != 0 {
		if err := adjustFolder(ctx, tx, *file.FolderID, 0, delta); err != nil {
			return nil, err
		}
	}

	switch {
	case delta > 0:
		if err := markReservation(ctx, tx, *change.ReservationID, domain.ReservationCommitted); err != nil {
			return nil, err
		}
	case delta < 0:
		if err := adjustUsed(ctx, tx, change.OwnerID, delta); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit content replacement: %w", err)
	}
	replacement.File = &updated
	return replacement, nil
}

// RenameFile переименовывает файл с оптимистичной проверкой версии.
func (r *FileRepository) RenameFile(ctx context.Context, id uuid.UUID, ownerID string, expectedVersion int, name string) (*domain.PersonalFile, error) {
	var file domain.PersonalFile

	err := r.db.GetContext(ctx, &file, `
        UPDATE personal_files
        SET name = $1,
            version = version + 1,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $2 AND owner_id = $3 AND version = $4
        RETURNING `+fileColumns,
		name, id, ownerID, expectedVersion)
	if err == nil {
		return &file, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}

	// строка не обновилась: выясняем причину
	current, err := r.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodePermissionDenied, "file %s belongs to another user", id)
	}
	return nil, domain.NewError(domain.CodeVersionConflict,
		"file %s is at version %d, expected %d", id, current.Version, expectedVersion)
}

func (r *FileRepository) Usage(ctx context.Context, ownerID string) (*domain.StorageUsage, error) {
	var rows []struct {
		Type     domain.FileType `db:"file_type"`
		FolderID *uuid.UUID      `db:"folder_id"`
		Count    int             `db:"files"`
		Size     int64           `db:"size"`
	}

	err := r.db.SelectContext(ctx, &rows, `
        SELECT file_type, folder_id, COUNT(*) AS files, COALESCE(SUM(size_bytes), 0) AS size
        FROM personal_files
        WHERE owner_id = $1
        GROUP BY file_type, folder_id`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}

	usage := domain.NewStorageUsage(ownerID)
	for _, row := range rows {
		usage.Add(row.Type, row.FolderID, row.Count, row.Size)
	}
	return usage, nil
}

func lockOwnedFile(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, ownerID string) (*domain.PersonalFile, error) {
	var file domain.PersonalFile

	err := tx.GetContext(ctx, &file, `SELECT `+fileColumns+` FROM personal_files WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeFileNotFound, "file %s not found", id)
		}
		return nil, fmt.Errorf("failed to lock file: %w", err)
	}
	if file.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodePermissionDenied, "file %s belongs to another user", id)
	}
	return &file, nil
}
