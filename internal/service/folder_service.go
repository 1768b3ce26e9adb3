package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edustorage/internal/domain"
	"edustorage/internal/validation"
)

type FolderService struct {
	folders FolderTree
	logger  *zap.Logger
}

func NewFolderService(folders FolderTree, logger *zap.Logger) *FolderService {
	return &FolderService{
		folders: folders,
		logger:  logger.Named("folders"),
	}
}

// CreateFolder создаёт папку в корне или внутри родителя того же владельца.
func (s *FolderService) CreateFolder(ctx context.Context, ownerID, name string, parentID *uuid.UUID) (*domain.FileFolder, error) {
	if idErr := validation.ValidateOwnerID(ownerID); idErr != nil {
		return nil, idErr
	}
	clean, nameErr := validation.ValidateName(name)
	if nameErr != nil {
		return nil, nameErr
	}

	folder := &domain.FileFolder{
		OwnerID:  ownerID,
		Name:     clean,
		ParentID: parentID,
	}
	if err := s.folders.CreateFolder(ctx, folder); err != nil {
		return nil, err
	}

	s.logger.Info("folder created",
		zap.String("user_id", ownerID),
		zap.String("folder_id", folder.ID.String()),
		zap.String("path", folder.Path))
	return folder, nil
}

func (s *FolderService) GetFolder(ctx context.Context, ownerID string, id uuid.UUID) (*domain.FileFolder, error) {
	folder, err := s.folders.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}
	if folder.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodePermissionDenied, "folder %s belongs to another user", id)
	}
	return folder, nil
}

// ListFolders с пустым фильтром возвращает всё дерево владельца.
func (s *FolderService) ListFolders(ctx context.Context, ownerID string, filter domain.FolderFilter) ([]domain.FileFolder, error) {
	if filter.ParentID != nil {
		if _, err := s.GetFolder(ctx, ownerID, *filter.ParentID); err != nil {
			return nil, err
		}
	}
	return s.folders.ListFolders(ctx, ownerID, filter)
}

// RenameFolder переименовывает папку, пути вложенных папок пересчитываются.
func (s *FolderService) RenameFolder(ctx context.Context, ownerID string, id uuid.UUID, name string) (*domain.FileFolder, error) {
	clean, nameErr := validation.ValidateName(name)
	if nameErr != nil {
		return nil, nameErr
	}

	folder, err := s.folders.RenameFolder(ctx, id, ownerID, clean)
	if err != nil {
		return nil, err
	}

	s.logger.Info("folder renamed",
		zap.String("folder_id", id.String()),
		zap.String("path", folder.Path))
	return folder, nil
}
