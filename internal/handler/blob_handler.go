package handler

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"edustorage/internal/domain"
	"edustorage/internal/service/blob"
	"edustorage/internal/service/localfs"
)

// SignedBlobStore — локальное хранилище, выдающее подписанные URL.
type SignedBlobStore interface {
	Verify(op, key, expires, size, sig string) error
	Open(key string) (*os.File, error)
	PutObjectOnce(ctx context.Context, key, contentType string, body io.Reader, size int64) error
}

// UploadGuard подтверждает, что на ключ ещё ждут загрузку ровно size байт.
type UploadGuard interface {
	AcceptUpload(ctx context.Context, key string, size int64) error
}

// BlobHandler обслуживает pre-signed URL локального бэкенда, повторяя
// поведение S3: PUT кладёт объект один раз, GET отдаёт его.
type BlobHandler struct {
	store   SignedBlobStore
	uploads UploadGuard
	logger  *zap.Logger
}

func NewBlobHandler(store SignedBlobStore, uploads UploadGuard, logger *zap.Logger) *BlobHandler {
	return &BlobHandler{store: store, uploads: uploads, logger: logger}
}

func (h *BlobHandler) verify(w http.ResponseWriter, r *http.Request, op string) (string, bool) {
	q := r.URL.Query()
	key := q.Get("key")
	if q.Get("op") != op {
		writeError(w, r, h.logger, domain.NewError(domain.CodePermissionDenied, "signature is not valid for %s", r.Method))
		return "", false
	}
	if err := h.store.Verify(op, key, q.Get("expires"), q.Get("size"), q.Get("sig")); err != nil {
		writeError(w, r, h.logger, domain.WrapError(domain.CodePermissionDenied, err, "presigned url rejected"))
		return "", false
	}
	return key, true
}

func (h *BlobHandler) Put(w http.ResponseWriter, r *http.Request) {
	key, ok := h.verify(w, r, localfs.OpUpload)
	if !ok {
		return
	}

	size, err := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
	if err != nil || size < 0 {
		writeError(w, r, h.logger, domain.NewError(domain.CodePermissionDenied, "presigned url carries no size"))
		return
	}
	if r.ContentLength != size {
		writeError(w, r, h.logger, domain.NewError(domain.CodeValidation,
			"Content-Length %d does not match signed size %d", r.ContentLength, size).
			WithDetail("size", size))
		return
	}
	if err := h.uploads.AcceptUpload(r.Context(), key, size); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, size)
	if err := h.store.PutObjectOnce(r.Context(), key, r.Header.Get("Content-Type"), body, size); err != nil {
		writeError(w, r, h.logger, blobError(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *BlobHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := h.verify(w, r, localfs.OpDownload)
	if !ok {
		return
	}

	f, err := h.store.Open(key)
	if err != nil {
		writeError(w, r, h.logger, blobError(err))
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		writeError(w, r, h.logger, blobError(err))
		return
	}
	if name := r.URL.Query().Get("name"); name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func blobError(err error) error {
	if errors.Is(err, blob.ErrObjectNotFound) {
		return domain.WrapError(domain.CodeFileNotFound, err, "object not found")
	}
	if errors.Is(err, blob.ErrObjectExists) {
		return domain.WrapError(domain.CodeVersionConflict, err, "object is already uploaded")
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return domain.WrapError(domain.CodeFileTooLarge, err, "body exceeds signed size %d", tooLarge.Limit)
	}
	var be *blob.BackendError
	if errors.As(err, &be) {
		return &domain.Error{Code: domain.CodeStorageBackend, Message: "storage " + be.Op + " failed", Transient: be.Transient, Err: err}
	}
	return err
}
