package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edustorage/internal/domain"
	"edustorage/internal/events"
	"edustorage/internal/service/blob"
	"edustorage/internal/validation"
)

const (
	uploadModeDirect    = "direct"
	uploadModePresigned = "presigned"
	uploadModeReplace   = "replace"
)

// StorageOptions — параметры записи, общие для загрузки и копирования.
type StorageOptions struct {
	PresignTTL     time.Duration
	ReservationTTL time.Duration
	Retry          RetryPolicy
	DefaultQuota   int64
	// Writes общий для сервисов записи и сверки одного процесса.
	Writes *WriteTracker
}

func (o StorageOptions) withDefaults() StorageOptions {
	if o.PresignTTL <= 0 {
		o.PresignTTL = 15 * time.Minute
	}
	if o.ReservationTTL <= 0 {
		o.ReservationTTL = 5 * time.Minute
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = 3
	}
	if o.Retry.Backoff <= 0 {
		o.Retry.Backoff = 200 * time.Millisecond
	}
	if o.DefaultQuota <= 0 {
		o.DefaultQuota = domain.DefaultQuotaBytes
	}
	if o.Writes == nil {
		o.Writes = NewWriteTracker()
	}
	return o
}

type UploadRequest struct {
	OwnerID      string
	FolderID     *uuid.UUID
	Name         string
	MIMEType     string
	Size         int64
	Body         io.Reader
	AllowedTypes []domain.FileType
	MaxSize      int64
}

// UploadTicket — ответ на начало загрузки по pre-signed URL.
type UploadTicket struct {
	ReservationID uuid.UUID `json:"reservationId"`
	FileID        uuid.UUID `json:"fileId"`
	StorageKey    string    `json:"storageKey"`
	UploadURL     string    `json:"uploadUrl"`
	Method        string    `json:"method"`
	// Headers обязательны для запроса загрузки, они входят в подпись.
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresIn int64             `json:"expiresIn"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

type ReplaceRequest struct {
	OwnerID         string
	FileID          uuid.UUID
	ExpectedVersion int
	MIMEType        string
	Size            int64
	Body            io.Reader
}

// Overview — всё, что нужно экрану хранилища за один запрос.
type Overview struct {
	Quota   *domain.QuotaInfo     `json:"quota"`
	Usage   *domain.StorageUsage  `json:"usage"`
	Files   []domain.PersonalFile `json:"files"`
	Folders []domain.FileFolder   `json:"folders"`
}

// FileService — фасад хранилища: связывает валидацию, квоту, каталог и бэкенд.
type FileService struct {
	pipeline
	store     Store
	validator *validation.Validator
	copier    *CopyService
	events    EventPublisher
	opts      StorageOptions
	now       func() time.Time
}

func NewFileService(
	store Store,
	backend blob.Backend,
	validator *validation.Validator,
	copier *CopyService,
	publisher EventPublisher,
	opts StorageOptions,
	logger *zap.Logger,
) *FileService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	opts = opts.withDefaults()

	return &FileService{
		pipeline: pipeline{
			ledger:  store,
			files:   store,
			orphans: store,
			backend: backend,
			retry:   opts.Retry,
			writes:  opts.Writes,
			holdTTL: opts.ReservationTTL,
			logger:  logger.Named("files"),
		},
		store:     store,
		validator: validator,
		copier:    copier,
		events:    publisher,
		opts:      opts,
		now:       time.Now,
	}
}

// Refresh собирает квоту, статистику, файлы и папки параллельно.
func (s *FileService) Refresh(ctx context.Context, ownerID string, folderID *uuid.UUID) (*Overview, error) {
	out := &Overview{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		quota, err := s.store.GetQuota(gctx, ownerID)
		if errors.Is(err, domain.ErrUserNotFound) {
			// Пользователь ещё ничего не загружал
			out.Quota = &domain.QuotaInfo{
				UserID:           ownerID,
				TotalQuota:       s.opts.DefaultQuota,
				AvailableStorage: s.opts.DefaultQuota,
			}
			return nil
		}
		if err != nil {
			return err
		}
		out.Quota = quota.Info()
		return nil
	})
	g.Go(func() error {
		usage, err := s.store.Usage(gctx, ownerID)
		out.Usage = usage
		return err
	})
	g.Go(func() error {
		files, err := s.store.ListFiles(gctx, ownerID, domain.FileFilter{FolderID: folderID, RootOnly: folderID == nil})
		out.Files = files
		return err
	})
	g.Go(func() error {
		// Только один уровень: корень или дети выбранной папки
		folders, err := s.store.ListFolders(gctx, ownerID, domain.FolderFilter{ParentID: folderID, RootOnly: folderID == nil})
		out.Folders = folders
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Upload — прямая загрузка через сервис.
func (s *FileService) Upload(ctx context.Context, req UploadRequest) (*domain.PersonalFile, error) {
	file, err := s.upload(ctx, req)
	uploadsTotal.WithLabelValues(uploadModeDirect, resultLabel(err)).Inc()
	return file, err
}

func (s *FileService) upload(ctx context.Context, req UploadRequest) (*domain.PersonalFile, error) {
	if req.Body == nil {
		return nil, domain.NewError(domain.CodeValidation, "file body is required")
	}
	header, body, err := peekHeader(req.Body)
	if err != nil {
		return nil, domain.WrapError(domain.CodeValidation, err, "failed to read file")
	}

	result := s.validator.Validate(validation.FileInput{
		Name:     req.Name,
		MIMEType: req.MIMEType,
		Size:     req.Size,
		Header:   header,
	}, &validation.Options{AllowedTypes: req.AllowedTypes, MaxSize: req.MaxSize})
	if !result.Valid {
		return nil, result.Err
	}
	if err := s.checkFolder(ctx, req.OwnerID, req.FolderID); err != nil {
		return nil, err
	}

	fileID := uuid.New()
	key := domain.NewStorageKey(req.OwnerID, fileID, result.SanitizedName)

	res, err := s.reserve(ctx, domain.ReservationRequest{
		OwnerID:    req.OwnerID,
		Bytes:      req.Size,
		StorageKey: key,
		TTL:        s.opts.ReservationTTL,
	})
	if err != nil {
		return nil, err
	}
	defer s.hold(ctx, res)()

	if err := s.put(ctx, key, result.MIMEType, body, req.Size); err != nil {
		s.abort(ctx, res, key, err)
		return nil, err
	}

	file := &domain.PersonalFile{
		ID:              fileID,
		OwnerID:         req.OwnerID,
		Name:            result.SanitizedName,
		Type:            result.FileType,
		SizeBytes:       req.Size,
		MIMEType:        result.MIMEType,
		StorageProvider: s.backend.Provider(),
		StorageKey:      key,
		FolderID:        req.FolderID,
		FilePermissions: domain.OwnerPermissions(),
	}
	if err := s.store.CreateFile(ctx, file, res.ID); err != nil {
		s.abort(ctx, res, key, err)
		return nil, err
	}

	s.logger.Info("file uploaded",
		zap.String("user_id", file.OwnerID),
		zap.String("file_id", file.ID.String()),
		zap.Int64("size", file.SizeBytes))
	s.events.Publish(events.New(events.FileUploaded, file.OwnerID).WithFile(file.ID, file.StorageKey, file.SizeBytes))
	return file, nil
}

// BeginUpload резервирует квоту и выдаёт pre-signed URL. Резерв живёт
// дольше ссылки на ReservationTTL, затем его освобождает сверка.
func (s *FileService) BeginUpload(ctx context.Context, req UploadRequest) (*UploadTicket, error) {
	ticket, err := s.beginUpload(ctx, req)
	if err != nil {
		uploadsTotal.WithLabelValues(uploadModePresigned, resultLabel(err)).Inc()
	}
	return ticket, err
}

func (s *FileService) beginUpload(ctx context.Context, req UploadRequest) (*UploadTicket, error) {
	result := s.validator.Validate(validation.FileInput{
		Name:     req.Name,
		MIMEType: req.MIMEType,
		Size:     req.Size,
	}, &validation.Options{AllowedTypes: req.AllowedTypes, MaxSize: req.MaxSize})
	if !result.Valid {
		return nil, result.Err
	}
	if err := s.checkFolder(ctx, req.OwnerID, req.FolderID); err != nil {
		return nil, err
	}

	fileID := uuid.New()
	key := domain.NewStorageKey(req.OwnerID, fileID, result.SanitizedName)

	res, err := s.reserve(ctx, domain.ReservationRequest{
		OwnerID:    req.OwnerID,
		Bytes:      req.Size,
		StorageKey: key,
		TTL:        s.opts.PresignTTL + s.opts.ReservationTTL,
		Intent: &domain.UploadIntent{
			FileID:   fileID,
			Name:     result.SanitizedName,
			MIMEType: result.MIMEType,
			Type:     result.FileType,
			FolderID: req.FolderID,
		},
	})
	if err != nil {
		return nil, err
	}

	var url *blob.PresignedURL
	err = s.retry.do(ctx, "presign", func() error {
		var presignErr error
		url, presignErr = s.backend.PresignUpload(ctx, key, result.MIMEType, req.Size)
		return presignErr
	})
	if err != nil {
		err = storageError(err)
		s.abort(ctx, res, "", err)
		return nil, err
	}

	return &UploadTicket{
		ReservationID: res.ID,
		FileID:        fileID,
		StorageKey:    key,
		UploadURL:     url.URL,
		Method:        url.Method,
		Headers:       url.Headers,
		ExpiresIn:     int64(url.ExpiresIn.Seconds()),
		ExpiresAt:     s.now().Add(url.ExpiresIn),
	}, nil
}

// AcceptUpload разрешает запись по pre-signed URL, только пока резерв ключа
// ждёт объект ровно size байт. Подтверждённый или откаченный резерв ссылку гасит.
func (s *FileService) AcceptUpload(ctx context.Context, key string, size int64) error {
	res, err := s.store.ReservationByKey(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return domain.NewError(domain.CodePermissionDenied, "no upload is expected for %s", key)
		}
		return err
	}
	if res.Status != domain.ReservationPending || res.Intent == nil {
		return domain.NewError(domain.CodeReservationExpired, "upload for %s is already settled", key)
	}
	if res.Bytes != size {
		return domain.NewError(domain.CodeValidation, "upload size %d does not match reserved %d", size, res.Bytes).
			WithDetail("size", res.Bytes)
	}
	return nil
}

// CompleteUpload регистрирует файл, загруженный по pre-signed URL.
// Повторный вызов для завершённой загрузки возвращает тот же файл.
func (s *FileService) CompleteUpload(ctx context.Context, ownerID string, reservationID uuid.UUID) (*domain.PersonalFile, error) {
	file, err := s.completeUpload(ctx, ownerID, reservationID)
	uploadsTotal.WithLabelValues(uploadModePresigned, resultLabel(err)).Inc()
	return file, err
}

func (s *FileService) completeUpload(ctx context.Context, ownerID string, reservationID uuid.UUID) (*domain.PersonalFile, error) {
	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodePermissionDenied, "reservation %s belongs to another user", res.ID)
	}

	switch res.Status {
	case domain.ReservationCommitted:
		if file, err := s.store.FileByStorageKey(ctx, res.StorageKey); err == nil {
			return file, nil
		}
		return nil, domain.NewError(domain.CodeReservationExpired, "reservation %s is already settled", res.ID)
	case domain.ReservationRolledBack:
		return nil, domain.NewError(domain.CodeReservationExpired, "reservation %s was released", res.ID)
	}
	if res.Intent == nil {
		return nil, domain.NewError(domain.CodeValidation, "reservation %s is not an upload", res.ID)
	}

	var info *blob.ObjectInfo
	err = s.retry.do(ctx, "head", func() error {
		var headErr error
		info, headErr = s.backend.HeadObject(ctx, res.StorageKey)
		return headErr
	})
	if err != nil {
		if errors.Is(err, blob.ErrObjectNotFound) {
			return nil, domain.NewError(domain.CodeValidation, "object %s has not been uploaded yet", res.StorageKey)
		}
		return nil, storageError(err)
	}
	if info.Size != res.Bytes {
		err := domain.NewError(domain.CodeValidation, "uploaded size %d does not match reserved %d", info.Size, res.Bytes)
		s.abort(ctx, res, res.StorageKey, err)
		return nil, err
	}

	intent := res.Intent
	file := &domain.PersonalFile{
		ID:              intent.FileID,
		OwnerID:         res.OwnerID,
		Name:            intent.Name,
		Type:            intent.Type,
		SizeBytes:       res.Bytes,
		MIMEType:        intent.MIMEType,
		StorageProvider: s.backend.Provider(),
		StorageKey:      res.StorageKey,
		FolderID:        intent.FolderID,
		FilePermissions: domain.OwnerPermissions(),
	}
	if err := s.store.CreateFile(ctx, file, res.ID); err != nil {
		// Резерв уже освобождён сверкой вместе с объектом
		if !errors.Is(err, domain.ErrReservationExpired) {
			s.abort(ctx, res, res.StorageKey, err)
		}
		return nil, err
	}

	s.logger.Info("presigned upload completed",
		zap.String("user_id", file.OwnerID),
		zap.String("file_id", file.ID.String()),
		zap.Int64("size", file.SizeBytes))
	s.events.Publish(events.New(events.FileUploaded, file.OwnerID).WithFile(file.ID, file.StorageKey, file.SizeBytes))
	return file, nil
}

// ReplaceContent записывает новую версию содержимого под новым ключом.
// Квота резервируется только на прирост размера.
func (s *FileService) ReplaceContent(ctx context.Context, req ReplaceRequest) (*domain.PersonalFile, error) {
	file, err := s.replaceContent(ctx, req)
	uploadsTotal.WithLabelValues(uploadModeReplace, resultLabel(err)).Inc()
	return file, err
}

func (s *FileService) replaceContent(ctx context.Context, req ReplaceRequest) (*domain.PersonalFile, error) {
	if req.Body == nil {
		return nil, domain.NewError(domain.CodeValidation, "file body is required")
	}
	current, err := s.ownedFile(ctx, req.OwnerID, req.FileID)
	if err != nil {
		return nil, err
	}
	if !current.Write {
		return nil, domain.NewError(domain.CodePermissionDenied, "file %s is read-only", current.ID)
	}
	if current.Version != req.ExpectedVersion {
		return nil, domain.NewError(domain.CodeVersionConflict,
			"file %s is at version %d, expected %d", current.ID, current.Version, req.ExpectedVersion)
	}

	header, body, err := peekHeader(req.Body)
	if err != nil {
		return nil, domain.WrapError(domain.CodeValidation, err, "failed to read file")
	}
	result := s.validator.Validate(validation.FileInput{
		Name:     current.Name,
		MIMEType: req.MIMEType,
		Size:     req.Size,
		Header:   header,
	}, &validation.Options{AllowedTypes: []domain.FileType{current.Type}})
	if !result.Valid {
		return nil, result.Err
	}

	key := domain.NewStorageKey(req.OwnerID, current.ID, current.Name)

	var res *domain.Reservation
	if delta := req.Size - current.SizeBytes; delta > 0 {
		res, err = s.reserve(ctx, domain.ReservationRequest{
			OwnerID:    req.OwnerID,
			Bytes:      delta,
			StorageKey: key,
			TTL:        s.opts.ReservationTTL,
		})
		if err != nil {
			return nil, err
		}
		defer s.hold(ctx, res)()
	}

	if err := s.put(ctx, key, result.MIMEType, body, req.Size); err != nil {
		s.abort(ctx, res, key, err)
		return nil, err
	}

	change := domain.ContentChange{
		FileID:          current.ID,
		OwnerID:         req.OwnerID,
		ExpectedVersion: req.ExpectedVersion,
		SizeBytes:       req.Size,
		MIMEType:        result.MIMEType,
		Type:            result.FileType,
		StorageKey:      key,
	}
	if res != nil {
		change.ReservationID = &res.ID
	}
	replaced, err := s.store.ReplaceContent(ctx, change)
	if err != nil {
		s.abort(ctx, res, key, err)
		return nil, err
	}

	s.removeObject(ctx, replaced.PreviousKey, "content replaced")

	file := replaced.File
	s.logger.Info("file content replaced",
		zap.String("file_id", file.ID.String()),
		zap.Int("version", file.Version),
		zap.Int64("previous_size", replaced.PreviousSize),
		zap.Int64("size", file.SizeBytes))
	s.events.Publish(events.New(events.FileReplaced, file.OwnerID).WithFile(file.ID, file.StorageKey, file.SizeBytes))
	return file, nil
}

// RenameFile меняет имя с проверкой версии. Новое расширение должно
// относиться к той же категории.
func (s *FileService) RenameFile(ctx context.Context, ownerID string, id uuid.UUID, expectedVersion int, name string) (*domain.PersonalFile, error) {
	current, err := s.ownedFile(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	// Без MIME категорию определяет только новое расширение
	result := s.validator.Validate(validation.FileInput{
		Name: name,
		Size: current.SizeBytes,
	}, &validation.Options{AllowedTypes: []domain.FileType{current.Type}, SkipSizeCeiling: true})
	if !result.Valid {
		return nil, result.Err
	}

	return s.store.RenameFile(ctx, id, ownerID, expectedVersion, result.SanitizedName)
}

// DeleteFile удаляет строку каталога вместе с квотой, затем объект.
// Не удалённый объект уходит в очередь дочистки.
func (s *FileService) DeleteFile(ctx context.Context, ownerID string, id uuid.UUID) error {
	file, err := s.store.DeleteFile(ctx, id, ownerID)
	deletesTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return err
	}

	s.removeObject(ctx, file.StorageKey, "file deleted")

	s.logger.Info("file deleted",
		zap.String("user_id", ownerID),
		zap.String("file_id", id.String()),
		zap.Int64("size", file.SizeBytes))
	s.events.Publish(events.New(events.FileDeleted, ownerID).WithFile(file.ID, file.StorageKey, file.SizeBytes))
	return nil
}

func (s *FileService) DownloadURL(ctx context.Context, ownerID string, id uuid.UUID) (*blob.PresignedURL, error) {
	file, err := s.ownedFile(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !file.Read {
		return nil, domain.NewError(domain.CodePermissionDenied, "file %s is not readable", id)
	}

	var url *blob.PresignedURL
	err = s.retry.do(ctx, "presign", func() error {
		var presignErr error
		url, presignErr = s.backend.PresignDownload(ctx, file.StorageKey, file.Name)
		return presignErr
	})
	if err != nil {
		return nil, storageError(err)
	}
	return url, nil
}

func (s *FileService) GetFile(ctx context.Context, ownerID string, id uuid.UUID) (*domain.PersonalFile, error) {
	return s.ownedFile(ctx, ownerID, id)
}

func (s *FileService) ListFiles(ctx context.Context, ownerID string, filter domain.FileFilter) ([]domain.PersonalFile, error) {
	return s.store.ListFiles(ctx, ownerID, filter)
}

func (s *FileService) Usage(ctx context.Context, ownerID string) (*domain.StorageUsage, error) {
	return s.store.Usage(ctx, ownerID)
}

// CopyFile создаёт личную копию материала курса или собственного файла.
func (s *FileService) CopyFile(ctx context.Context, req CopyRequest) (*domain.PersonalFile, error) {
	return s.copier.CreatePersonalCopy(ctx, req)
}

func (s *FileService) ownedFile(ctx context.Context, ownerID string, id uuid.UUID) (*domain.PersonalFile, error) {
	file, err := s.store.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodePermissionDenied, "file %s belongs to another user", id)
	}
	return file, nil
}

// checkFolder проверяет папку до резерва, чтобы не откатывать его зря.
func (s *FileService) checkFolder(ctx context.Context, ownerID string, folderID *uuid.UUID) error {
	return checkFolderOwner(ctx, s.store, ownerID, folderID)
}

func checkFolderOwner(ctx context.Context, folders FolderTree, ownerID string, folderID *uuid.UUID) error {
	if folderID == nil {
		return nil
	}
	folder, err := folders.GetFolder(ctx, *folderID)
	if err != nil {
		return err
	}
	if folder.OwnerID != ownerID {
		return domain.NewError(domain.CodePermissionDenied, "folder %s belongs to another user", folder.ID)
	}
	return nil
}

// peekHeader читает первые байты содержимого для проверки сигнатуры
// и возвращает тело, с которого можно читать с начала.
func peekHeader(body io.Reader) ([]byte, io.Reader, error) {
	if rs, ok := body.(io.ReadSeeker); ok {
		buf := make([]byte, validation.SniffLength)
		n, err := io.ReadFull(rs, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, err
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, nil, err
		}
		return buf[:n], rs, nil
	}

	br := bufio.NewReaderSize(body, validation.SniffLength)
	header, err := br.Peek(validation.SniffLength)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	return header, br, nil
}
