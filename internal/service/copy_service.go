package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edustorage/internal/domain"
	"edustorage/internal/events"
	"edustorage/internal/service/blob"
	"edustorage/internal/validation"
)

type CopyRequest struct {
	OwnerID        string
	SourceFileID   string
	TargetFolderID *uuid.UUID
	NewName        string
}

// CopyService создаёт личные копии: независимые дубликаты за счёт квоты
// пользователя. Исходный файл не меняется.
type CopyService struct {
	pipeline
	store          Store
	courses        SourceCatalog
	validator      *validation.Validator
	events         EventPublisher
	reservationTTL time.Duration
}

func NewCopyService(
	store Store,
	backend blob.Backend,
	courses SourceCatalog,
	validator *validation.Validator,
	publisher EventPublisher,
	opts StorageOptions,
	logger *zap.Logger,
) *CopyService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	opts = opts.withDefaults()

	return &CopyService{
		pipeline: pipeline{
			ledger:  store,
			files:   store,
			orphans: store,
			backend: backend,
			retry:   opts.Retry,
			writes:  opts.Writes,
			holdTTL: opts.ReservationTTL,
			logger:  logger.Named("copy"),
		},
		store:          store,
		courses:        courses,
		validator:      validator,
		events:         publisher,
		reservationTTL: opts.ReservationTTL,
	}
}

func (s *CopyService) CreatePersonalCopy(ctx context.Context, req CopyRequest) (*domain.PersonalFile, error) {
	file, err := s.createPersonalCopy(ctx, req)
	copiesTotal.WithLabelValues(resultLabel(err)).Inc()
	return file, err
}

func (s *CopyService) createPersonalCopy(ctx context.Context, req CopyRequest) (*domain.PersonalFile, error) {
	src, err := s.resolveSource(ctx, req.OwnerID, req.SourceFileID)
	if err != nil {
		return nil, err
	}

	name := req.NewName
	if name == "" {
		name = src.Name
	}
	// Потолки категорий к материалам курса не применяются, ограничивает только квота
	result := s.validator.Validate(validation.FileInput{
		Name:     name,
		MIMEType: src.MIMEType,
		Size:     src.SizeBytes,
	}, &validation.Options{SkipSizeCeiling: true})
	if !result.Valid {
		return nil, result.Err
	}
	if err := checkFolderOwner(ctx, s.store, req.OwnerID, req.TargetFolderID); err != nil {
		return nil, err
	}

	fileID := uuid.New()
	key := domain.NewStorageKey(req.OwnerID, fileID, result.SanitizedName)

	res, err := s.reserve(ctx, domain.ReservationRequest{
		OwnerID:    req.OwnerID,
		Bytes:      src.SizeBytes,
		StorageKey: key,
		TTL:        s.reservationTTL,
	})
	if err != nil {
		return nil, err
	}
	defer s.hold(ctx, res)()

	if err := s.copyObject(ctx, src.StorageKey, key); err != nil {
		if errors.Is(err, blob.ErrObjectNotFound) {
			err = domain.WrapError(domain.CodeFileNotFound, err, "source object for %s not found", src.ID)
		}
		s.abort(ctx, res, key, err)
		return nil, err
	}

	sourceID := src.ID
	file := &domain.PersonalFile{
		ID:              fileID,
		OwnerID:         req.OwnerID,
		OriginalFileID:  &sourceID,
		Name:            result.SanitizedName,
		Type:            result.FileType,
		SizeBytes:       src.SizeBytes,
		MIMEType:        result.MIMEType,
		StorageProvider: s.backend.Provider(),
		StorageKey:      key,
		FolderID:        req.TargetFolderID,
		FilePermissions: domain.OwnerPermissions(),
	}
	if err := s.store.CreateFile(ctx, file, res.ID); err != nil {
		s.abort(ctx, res, key, err)
		return nil, err
	}

	s.logger.Info("personal copy created",
		zap.String("user_id", req.OwnerID),
		zap.String("source_id", src.ID),
		zap.String("file_id", file.ID.String()),
		zap.Int64("size", file.SizeBytes))

	e := events.New(events.FileCopied, req.OwnerID).WithFile(file.ID, file.StorageKey, file.SizeBytes)
	e.SourceID = src.ID
	s.events.Publish(e)
	return file, nil
}

// resolveSource ищет исходный файл сначала в каталоге курсов, затем среди
// файлов пользователя. Чужой личный файл копировать нельзя.
func (s *CopyService) resolveSource(ctx context.Context, ownerID, sourceID string) (*domain.SourceFile, error) {
	if sourceID == "" {
		return nil, domain.NewError(domain.CodeValidation, "source file id is required")
	}

	var courseErr error
	if s.courses != nil {
		src, err := s.courses.GetSourceFile(ctx, sourceID)
		if err == nil {
			return src, nil
		}
		if !errors.Is(err, domain.ErrFileNotFound) && !errors.Is(err, domain.ErrUpstream) {
			return nil, err
		}
		courseErr = err
	}

	notFound := func() error {
		if courseErr != nil {
			return courseErr
		}
		return domain.NewError(domain.CodeFileNotFound, "source file %s not found", sourceID)
	}

	id, err := uuid.Parse(sourceID)
	if err != nil {
		return nil, notFound()
	}
	file, err := s.store.GetFile(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return nil, notFound()
		}
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodePermissionDenied, "file %s belongs to another user", id)
	}

	return &domain.SourceFile{
		ID:         file.ID.String(),
		Name:       file.Name,
		SizeBytes:  file.SizeBytes,
		MIMEType:   file.MIMEType,
		StorageKey: file.StorageKey,
	}, nil
}
