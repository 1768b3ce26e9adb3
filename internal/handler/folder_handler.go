package handler

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edustorage/internal/domain"
	"edustorage/internal/service"
)

type FolderHandler struct {
	folderService *service.FolderService
	validator     *RequestValidator
	logger        *zap.Logger
}

func NewFolderHandler(folderService *service.FolderService, validator *RequestValidator, logger *zap.Logger) *FolderHandler {
	return &FolderHandler{
		folderService: folderService,
		validator:     validator,
		logger:        logger,
	}
}

type createFolderRequest struct {
	UserID   string `json:"userId" validate:"required,max=128,userid"`
	Name     string `json:"name" validate:"required"`
	ParentID string `json:"parentId" validate:"omitempty,uuid"`
}

func (h *FolderHandler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	folder, err := h.folderService.CreateFolder(r.Context(), req.UserID, req.Name, optionalUUID(req.ParentID))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

func (h *FolderHandler) ListFolders(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	var filter domain.FolderFilter
	switch raw := r.URL.Query().Get("parentId"); raw {
	case "":
	case domain.RootFolderKey:
		filter.RootOnly = true
	default:
		id, err := uuid.Parse(raw)
		if err != nil {
			writeValidationError(w, r, map[string]string{"parentId": "must be a UUID or \"root\""})
			return
		}
		filter.ParentID = &id
	}

	folders, err := h.folderService.ListFolders(r.Context(), userID, filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if folders == nil {
		folders = []domain.FileFolder{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (h *FolderHandler) GetFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	folder, err := h.folderService.GetFolder(r.Context(), userID, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

type renameFolderRequest struct {
	UserID string `json:"userId" validate:"required,max=128,userid"`
	Name   string `json:"name" validate:"required"`
}

// RenameFolder переименовывает папку, пути потомков пересчитываются.
func (h *FolderHandler) RenameFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req renameFolderRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	folder, err := h.folderService.RenameFolder(r.Context(), req.UserID, id, req.Name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}
