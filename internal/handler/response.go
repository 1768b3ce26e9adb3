package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"edustorage/internal/domain"
	"edustorage/internal/i18n"
)

// Единый формат ошибки: {"error": {"code": "...", "message": "...", "details": {...}}}
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    domain.ErrorCode  `json:"code"`
	Message string            `json:"message"`
	Details map[string]any   `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor сопоставляет код ошибки с HTTP статусом.
func statusFor(e *domain.Error) int {
	switch e.Code {
	case domain.CodeInvalidFileType, domain.CodeFileTooLarge, domain.CodeEmptyFile,
		domain.CodeInvalidFilename, domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case domain.CodeFileNotFound, domain.CodeUserNotFound:
		return http.StatusNotFound
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeVersionConflict, domain.CodeReconcileInProgress:
		return http.StatusConflict
	case domain.CodeReservationExpired:
		return http.StatusGone
	case domain.CodeStorageBackend:
		if e.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case domain.CodeUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError отдаёт ошибку с локализованным сообщением. Пользовательские
// ошибки уточняются деталями, внутренние наружу не раскрываются.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = &domain.Error{Code: domain.CodeInternal, Err: err}
	}
	status := statusFor(de)

	if status >= http.StatusInternalServerError || de.Code == domain.CodeStorageBackend || de.Code == domain.CodeUpstreamUnavailable {
		logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", string(de.Code)),
			zap.Error(err))
	}

	detail := errorDetail{
		Code:    de.Code,
		Message: i18n.Message(i18n.Match(r.Header.Get("Accept-Language")), de.Code),
	}
	if status < http.StatusInternalServerError {
		detail.Details = make(map[string]any, len(de.Details)+1)
		for k, v := range de.Details {
			detail.Details[k] = v
		}
		if de.Message != "" {
			detail.Details["reason"] = de.Message
		}
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeValidationError(w http.ResponseWriter, r *http.Request, details map[string]string) {
	fields := make(map[string]any, len(details))
	for k, v := range details {
		fields[k] = v
	}
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Code:    domain.CodeValidation,
		Message: i18n.Message(i18n.Match(r.Header.Get("Accept-Language")), domain.CodeValidation),
		Details: fields,
	}})
}
