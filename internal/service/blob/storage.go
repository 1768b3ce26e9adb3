// Package blob описывает физическое хранилище объектов без бизнес-логики:
// ни квот, ни проверок владельца здесь нет.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrObjectNotFound — объекта нет в хранилище. Всегда нетранзиентна.
	ErrObjectNotFound = errors.New("object not found")
	// ErrObjectExists — ключ уже занят, повторная загрузка по той же ссылке.
	ErrObjectExists = errors.New("object already exists")
)

type PresignedURL struct {
	URL       string        `json:"url"`
	Method    string        `json:"method"`
	ExpiresIn time.Duration `json:"-"`
	// Headers клиент обязан отправить как есть, они входят в подпись.
	Headers map[string]string `json:"headers,omitempty"`
}

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// Backend — адаптер хранилища. Любая ошибка реализации — *BackendError.
type Backend interface {
	// PresignUpload подписывает одну загрузку ровно size байт на свободный ключ.
	PresignUpload(ctx context.Context, key, contentType string, size int64) (*PresignedURL, error)
	PresignDownload(ctx context.Context, key, fileName string) (*PresignedURL, error)
	PutObject(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)
	// DeleteObject считает отсутствующий объект успешно удалённым.
	DeleteObject(ctx context.Context, key string) error
	CopyObject(ctx context.Context, srcKey, dstKey string) error
	Provider() string
}

// BackendError — единственный тип ошибки хранилища.
// Transient == true означает, что операцию можно повторить.
type BackendError struct {
	Op        string
	Key       string
	Transient bool
	Err       error
}

func NewError(op, key string, transient bool, err error) *BackendError {
	return &BackendError{Op: op, Key: key, Transient: transient, Err: err}
}

func (e *BackendError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("storage %s %q (%s): %v", e.Op, e.Key, kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Transient
}
