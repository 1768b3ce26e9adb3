package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"edustorage/internal/service"
)

type StorageQuotaHandler struct {
	quotaService *service.StorageQuotaService
	validator    *RequestValidator
	logger       *zap.Logger
}

func NewStorageQuotaHandler(quotaService *service.StorageQuotaService, validator *RequestValidator, logger *zap.Logger) *StorageQuotaHandler {
	return &StorageQuotaHandler{
		quotaService: quotaService,
		validator:    validator,
		logger:       logger,
	}
}

func (h *StorageQuotaHandler) GetQuotaInfo(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	recalculate := false
	if raw := r.URL.Query().Get("recalculate"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeValidationError(w, r, map[string]string{"recalculate": "must be a boolean"})
			return
		}
		recalculate = v
	}

	quotaInfo, err := h.quotaService.GetQuotaInfo(r.Context(), userID, recalculate)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaInfo)
}

type updateLimitRequest struct {
	Limit *int64 `json:"limit" validate:"required,gte=0"`
}

// UpdateQuotaLimit — административная смена лимита пользователя.
func (h *StorageQuotaHandler) UpdateQuotaLimit(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	var req updateLimitRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	quotaInfo, err := h.quotaService.UpdateQuotaLimit(r.Context(), userID, *req.Limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaInfo)
}
