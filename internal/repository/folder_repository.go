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

const folderColumns = `id, owner_id, name, parent_id, path, files_count, total_size, created_at, updated_at`

type FolderRepository struct {
	db           *sqlx.DB
	defaultLimit int64
}

func NewFolderRepository(db *sqlx.DB, defaultLimit int64) *FolderRepository {
	if defaultLimit <= 0 {
		defaultLimit = domain.DefaultQuotaBytes
	}
	return &FolderRepository{db: db, defaultLimit: defaultLimit}
}

func (r *FolderRepository) CreateFolder(ctx context.Context, folder *domain.FileFolder) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	parentPath := "/"
	if folder.ParentID != nil {
		parent, err := getFolder(ctx, tx, *folder.ParentID)
		if err != nil {
			return err
		}
		if parent.OwnerID != folder.OwnerID {
			return domain.NewError(domain.CodePermissionDenied, "folder %s belongs to another user", parent.ID)
		}
		parentPath = parent.Path
	}

	if err := ensureQuota(ctx, tx, folder.OwnerID, r.defaultLimit); err != nil {
		return err
	}

	if folder.ID == uuid.Nil {
		folder.ID = uuid.New()
	}
	folder.Path = domain.ChildPath(parentPath, folder.Name)
	folder.FilesCount = 0
	folder.TotalSize = 0

	err = tx.QueryRowContext(ctx, `
        INSERT INTO folders (id, owner_id, name, parent_id, path)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING created_at, updated_at`,
		folder.ID, folder.OwnerID, folder.Name, folder.ParentID, folder.Path,
	).Scan(&folder.CreatedAt, &folder.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.CodeValidation, "folder %s already exists", folder.Path)
		}
		return fmt.Errorf("failed to create folder: %w", err)
	}

	return tx.Commit()
}

func (r *FolderRepository) GetFolder(ctx context.Context, id uuid.UUID) (*domain.FileFolder, error) {
	return getFolder(ctx, r.db, id)
}

func (r *FolderRepository) ListFolders(ctx context.Context, ownerID string, filter domain.FolderFilter) ([]domain.FileFolder, error) {
	query := `SELECT ` + folderColumns + ` FROM folders WHERE owner_id = $1`
	args := []any{ownerID}
	switch {
	case filter.ParentID != nil:
		query += ` AND parent_id = $2`
		args = append(args, *filter.ParentID)
	case filter.RootOnly:
		query += ` AND parent_id IS NULL`
	}
	query += ` ORDER BY path`

	folders := make([]domain.FileFolder, 0)
	if err := r.db.SelectContext(ctx, &folders, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// RenameFolder меняет имя папки и пути всего поддерева.
func (r *FolderRepository) RenameFolder(ctx context.Context, id uuid.UUID, ownerID, name string) (*domain.FileFolder, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var folder domain.FileFolder
	err = tx.GetContext(ctx, &folder, `SELECT `+folderColumns+` FROM folders WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeFileNotFound, "folder %s not found", id)
		}
		return nil, fmt.Errorf("failed to lock folder: %w", err)
	}
	if folder.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodePermissionDenied, "folder %s belongs to another user", id)
	}

	oldPath := folder.Path
	newPath := domain.ChildPath(domain.ParentPath(oldPath), name)
	if newPath == oldPath {
		return &folder, nil
	}

	// Путь обновляется у самой папки и у всех вложенных
	_, err = tx.ExecContext(ctx, `
        WITH RECURSIVE subtree AS (
            SELECT id FROM folders WHERE id = $1

            UNION ALL

            SELECT f.id
            FROM folders f
            INNER JOIN subtree s ON f.parent_id = s.id
        )
        UPDATE folders f
        SET path = $2::text || substr(f.path, length($3::text) + 1),
            updated_at = CURRENT_TIMESTAMP
        WHERE f.id IN (SELECT id FROM subtree)`,
		id, newPath, oldPath)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.NewError(domain.CodeValidation, "folder %s already exists", newPath)
		}
		return nil, fmt.Errorf("failed to update folder paths: %w", err)
	}

	err = tx.GetContext(ctx, &folder, `
        UPDATE folders
        SET name = $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $2
        RETURNING `+folderColumns,
		name, id)
	if err != nil {
		return nil, fmt.Errorf("failed to rename folder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit folder rename: %w", err)
	}
	return &folder, nil
}

func getFolder(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*domain.FileFolder, error) {
	var folder domain.FileFolder

	err := sqlx.GetContext(ctx, q, &folder, `SELECT `+folderColumns+` FROM folders WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeFileNotFound, "folder %s not found", id)
		}
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return &folder, nil
}

func checkFolderOwner(ctx context.Context, tx *sqlx.Tx, folderID uuid.UUID, ownerID string) error {
	folder, err := getFolder(ctx, tx, folderID)
	if err != nil {
		return err
	}
	if folder.OwnerID != ownerID {
		return domain.NewError(domain.CodePermissionDenied, "folder %s belongs to another user", folderID)
	}
	return nil
}

// adjustFolder меняет статистику прямого родителя файла.
func adjustFolder(ctx context.Context, tx *sqlx.Tx, folderID uuid.UUID, filesDelta int, sizeDelta int64) error {
	_, err := tx.ExecContext(ctx, `
        UPDATE folders
        SET files_count = files_count + $1,
            total_size = total_size + $2,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $3`,
		filesDelta, sizeDelta, folderID)
	if err != nil {
		return fmt.Errorf("failed to update folder stats: %w", err)
	}
	return nil
}
