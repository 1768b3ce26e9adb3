package domain

import (
	"errors"
	"fmt"
)

// ErrorCode — стабильный машиночитаемый код ошибки, отдаётся клиентам как есть.
type ErrorCode string

const (
	CodeInvalidFileType     ErrorCode = "INVALID_FILE_TYPE"
	CodeFileTooLarge        ErrorCode = "FILE_TOO_LARGE"
	CodeEmptyFile           ErrorCode = "EMPTY_FILE"
	CodeInvalidFilename     ErrorCode = "INVALID_FILENAME"
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	CodeFileNotFound        ErrorCode = "FILE_NOT_FOUND"
	CodeUserNotFound        ErrorCode = "USER_NOT_FOUND"
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodeVersionConflict     ErrorCode = "VERSION_CONFLICT"
	CodeReservationExpired  ErrorCode = "RESERVATION_EXPIRED"
	CodeStorageBackend      ErrorCode = "STORAGE_BACKEND_ERROR"
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeReconcileInProgress ErrorCode = "RECONCILE_IN_PROGRESS"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// Error — единая ошибка бизнес-уровня. Сравнение через errors.Is идёт по коду,
// поэтому errors.Is(err, ErrQuotaExceeded) работает для любого сообщения.
type Error struct {
	Code    ErrorCode
	Message string
	// Details — машиночитаемые подробности для клиента: лимиты, размеры, типы.
	Details   map[string]any
	Transient bool
	Err       error
}

// WithDetail добавляет подробность и возвращает ту же ошибку.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Эталонные ошибки для errors.Is
var (
	ErrInvalidFileType    = &Error{Code: CodeInvalidFileType, Message: "file type is not allowed"}
	ErrFileTooLarge       = &Error{Code: CodeFileTooLarge, Message: "file is too large"}
	ErrEmptyFile          = &Error{Code: CodeEmptyFile, Message: "file is empty"}
	ErrInvalidFilename    = &Error{Code: CodeInvalidFilename, Message: "invalid file name"}
	ErrValidation         = &Error{Code: CodeValidation, Message: "invalid request"}
	ErrQuotaExceeded      = &Error{Code: CodeQuotaExceeded, Message: "storage quota exceeded"}
	ErrFileNotFound       = &Error{Code: CodeFileNotFound, Message: "file not found"}
	ErrUserNotFound       = &Error{Code: CodeUserNotFound, Message: "user not found"}
	ErrPermissionDenied   = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrVersionConflict    = &Error{Code: CodeVersionConflict, Message: "version conflict"}
	ErrReservationExpired = &Error{Code: CodeReservationExpired, Message: "reservation is no longer pending"}
	ErrStorageBackend     = &Error{Code: CodeStorageBackend, Message: "storage backend failure"}
	ErrUpstream           = &Error{Code: CodeUpstreamUnavailable, Message: "upstream service unavailable"}
)

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf возвращает код первой доменной ошибки в цепочке, иначе INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
