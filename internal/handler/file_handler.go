package handler

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"edustorage/internal/domain"
	"edustorage/internal/service"
	"edustorage/internal/validation"
)

// Файлы больше порога пишутся во временный файл, тело остаётся io.ReadSeeker.
const multipartMemory = 32 << 20

type FileHandler struct {
	fileService *service.FileService
	validator   *RequestValidator
	maxUpload   int64
	logger      *zap.Logger
}

func NewFileHandler(fileService *service.FileService, validator *RequestValidator, maxUpload int64, logger *zap.Logger) *FileHandler {
	return &FileHandler{
		fileService: fileService,
		validator:   validator,
		maxUpload:   maxUpload,
		logger:      logger,
	}
}

type fileResponse struct {
	File *domain.PersonalFile `json:"file"`
}

type uploadForm struct {
	UserID       string `json:"userId" validate:"required,max=128,userid"`
	FolderID     string `json:"folderId" validate:"omitempty,uuid"`
	Name         string `json:"name" validate:"omitempty,max=1024"`
	MIMEType     string `json:"mimeType" validate:"omitempty,max=255"`
	Size         string `json:"size" validate:"omitempty,number"`
	AllowedTypes string `json:"allowedTypes"`
	MaxSize      string `json:"maxSize" validate:"omitempty,number"`
}

// UploadFile принимает multipart. С частью file файл загружается сразу,
// без неё выдаётся pre-signed URL для загрузки напрямую в хранилище.
func (h *FileHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := parseForm(r); err != nil {
		h.formError(w, r, err)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	form := uploadForm{
		UserID:       r.FormValue("userId"),
		FolderID:     r.FormValue("folderId"),
		Name:         r.FormValue("name"),
		MIMEType:     r.FormValue("mimeType"),
		Size:         r.FormValue("size"),
		AllowedTypes: r.FormValue("allowedTypes"),
		MaxSize:      r.FormValue("maxSize"),
	}
	if details := h.validator.Struct(r, &form); details != nil {
		writeValidationError(w, r, details)
		return
	}

	req := service.UploadRequest{
		OwnerID:  form.UserID,
		FolderID: optionalUUID(form.FolderID),
		Name:     form.Name,
		MIMEType: form.MIMEType,
	}
	var err error
	if req.AllowedTypes, err = parseFileTypes(form.AllowedTypes); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if form.MaxSize != "" {
		req.MaxSize, _ = strconv.ParseInt(form.MaxSize, 10, 64)
	}

	if r.MultipartForm == nil {
		h.beginUpload(w, r, req, form.Size)
		return
	}
	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		h.uploadDirect(w, r, req, file, header)
	case errors.Is(err, http.ErrMissingFile):
		h.beginUpload(w, r, req, form.Size)
	default:
		writeValidationError(w, r, map[string]string{"file": err.Error()})
	}
}

func (h *FileHandler) uploadDirect(w http.ResponseWriter, r *http.Request, req service.UploadRequest, file multipart.File, header *multipart.FileHeader) {
	if req.Name == "" {
		req.Name = header.Filename
	}
	if req.MIMEType == "" {
		req.MIMEType = header.Header.Get("Content-Type")
	}
	req.Size = header.Size
	req.Body = file

	uploaded, err := h.fileService.Upload(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, fileResponse{File: uploaded})
}

func (h *FileHandler) beginUpload(w http.ResponseWriter, r *http.Request, req service.UploadRequest, size string) {
	details := map[string]string{}
	if req.Name == "" {
		details["name"] = "name is required when no file is attached"
	}
	if size == "" {
		details["size"] = "size is required when no file is attached"
	}
	if len(details) > 0 {
		writeValidationError(w, r, details)
		return
	}
	req.Size, _ = strconv.ParseInt(size, 10, 64)

	ticket, err := h.fileService.BeginUpload(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

type ownerRequest struct {
	UserID string `json:"userId" validate:"required,max=128,userid"`
}

func (h *FileHandler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	reservationID, ok := uuidParam(w, r, "reservationId")
	if !ok {
		return
	}
	var req ownerRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	file, err := h.fileService.CompleteUpload(r.Context(), req.UserID, reservationID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, fileResponse{File: file})
}

func (h *FileHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := domain.FileFilter{Query: strings.TrimSpace(q.Get("q"))}
	switch folder := q.Get("folderId"); folder {
	case "":
	case domain.RootFolderKey:
		filter.RootOnly = true
	default:
		id, err := uuid.Parse(folder)
		if err != nil {
			writeValidationError(w, r, map[string]string{"folderId": "must be a UUID or \"root\""})
			return
		}
		filter.FolderID = &id
	}
	if t := q.Get("type"); t != "" {
		fileType, err := domain.ParseFileType(t)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		filter.Type = fileType
	}

	files, err := h.fileService.ListFiles(r.Context(), userID, filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if files == nil {
		files = []domain.PersonalFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	file, err := h.fileService.GetFile(r.Context(), userID, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, fileResponse{File: file})
}

type downloadResponse struct {
	URL       string `json:"url"`
	Method    string `json:"method"`
	ExpiresIn int64  `json:"expiresIn"`
}

func (h *FileHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	signed, err := h.fileService.DownloadURL(r.Context(), userID, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{
		URL:       signed.URL,
		Method:    signed.Method,
		ExpiresIn: int64(signed.ExpiresIn.Seconds()),
	})
}

type replaceForm struct {
	UserID  string `json:"userId" validate:"required,max=128,userid"`
	Version string `json:"version" validate:"required,number"`
}

// ReplaceContent заливает новое содержимое файла с проверкой версии.
func (h *FileHandler) ReplaceContent(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		h.formError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	form := replaceForm{UserID: r.FormValue("userId"), Version: r.FormValue("version")}
	if details := h.validator.Struct(r, &form); details != nil {
		writeValidationError(w, r, details)
		return
	}
	version, _ := strconv.Atoi(form.Version)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeValidationError(w, r, map[string]string{"file": "file is required"})
		return
	}
	defer file.Close()

	updated, err := h.fileService.ReplaceContent(r.Context(), service.ReplaceRequest{
		OwnerID:         form.UserID,
		FileID:          id,
		ExpectedVersion: version,
		MIMEType:        header.Header.Get("Content-Type"),
		Size:            header.Size,
		Body:            file,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, fileResponse{File: updated})
}

type renameFileRequest struct {
	UserID  string `json:"userId" validate:"required,max=128,userid"`
	Name    string `json:"name" validate:"required"`
	Version int    `json:"version" validate:"required,gte=1"`
}

func (h *FileHandler) RenameFile(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req renameFileRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	file, err := h.fileService.RenameFile(r.Context(), req.UserID, id, req.Version, req.Name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, fileResponse{File: file})
}

func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	if err := h.fileService.DeleteFile(r.Context(), userID, id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type copyRequest struct {
	UserID         string `json:"userId" validate:"required,max=128,userid"`
	SourceFileID   string `json:"sourceFileId" validate:"required,max=255"`
	TargetFolderID string `json:"targetFolderId" validate:"omitempty,uuid"`
	NewName        string `json:"newName" validate:"omitempty,max=1024"`
}

// CopyFile создаёт личную копию материала курса или своего файла.
func (h *FileHandler) CopyFile(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	file, err := h.fileService.CopyFile(r.Context(), service.CopyRequest{
		OwnerID:        req.UserID,
		SourceFileID:   req.SourceFileID,
		TargetFolderID: optionalUUID(req.TargetFolderID),
		NewName:        req.NewName,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, fileResponse{File: file})
}

func (h *FileHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	usage, err := h.fileService.Usage(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// GetOverview отдаёт квоту, статистику и содержимое папки одним ответом.
func (h *FileHandler) GetOverview(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	var folderID *uuid.UUID
	if raw := r.URL.Query().Get("folderId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeValidationError(w, r, map[string]string{"folderId": "must be a UUID"})
			return
		}
		folderID = &id
	}

	overview, err := h.fileService.Refresh(r.Context(), userID, folderID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (h *FileHandler) formError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, h.logger, domain.NewError(domain.CodeFileTooLarge, "request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeValidationError(w, r, map[string]string{"body": err.Error()})
}

// parseForm понимает multipart и urlencoded формы.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(multipartMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}
	return err
}

func parseFileTypes(raw string) ([]domain.FileType, error) {
	if raw == "" {
		return nil, nil
	}
	var out []domain.FileType
	for _, part := range strings.Split(raw, ",") {
		t, err := domain.ParseFileType(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeValidationError(w, r, map[string]string{name: "must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func queryUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeValidationError(w, r, map[string]string{"userId": "userId is required"})
		return "", false
	}
	return checkUserID(w, r, userID)
}

// pathUserID берёт userId из маршрута.
func pathUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	return checkUserID(w, r, chi.URLParam(r, "userId"))
}

func checkUserID(w http.ResponseWriter, r *http.Request, userID string) (string, bool) {
	if !validation.ValidOwnerID(userID) {
		writeValidationError(w, r, map[string]string{
			"userId": "userId may contain only letters, digits, '-' and '_'",
		})
		return "", false
	}
	return userID, true
}

// optionalUUID разбирает уже проверенный валидатором идентификатор.
func optionalUUID(raw string) *uuid.UUID {
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
