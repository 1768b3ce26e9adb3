// Package localfs — хранилище объектов на локальном диске.
// Запись: temp файл → fsync → атомарный rename. Pre-signed URL подписываются
// HMAC-SHA256 и обслуживаются handler.BlobHandler.
package localfs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"edustorage/internal/service/blob"
)

const (
	OpUpload   = "put"
	OpDownload = "get"

	// BlobsPath — маршрут, на котором BlobHandler принимает подписанные запросы.
	BlobsPath = "/blobs"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrURLExpired       = errors.New("url expired")
	ErrInvalidKey       = errors.New("invalid storage key")
)

type Config struct {
	Root       string
	BaseURL    string
	SigningKey string
	PresignTTL time.Duration
}

type Store struct {
	root    string
	baseURL string
	key     []byte
	ttl     time.Duration
	now     func() time.Time
}

func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if cfg.SigningKey == "" {
		return nil, fmt.Errorf("signing key is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", cfg.Root, err)
	}

	return &Store{
		root:    cfg.Root,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     []byte(cfg.SigningKey),
		ttl:     cfg.PresignTTL,
		now:     time.Now,
	}, nil
}

func (s *Store) Provider() string {
	return "local"
}

// PresignUpload подписывает загрузку ровно size байт. Размер входит в подпись.
func (s *Store) PresignUpload(_ context.Context, key, _ string, size int64) (*blob.PresignedURL, error) {
	if _, err := s.fullPath(key); err != nil {
		return nil, blob.NewError("presign_upload", key, false, err)
	}
	if size < 0 {
		return nil, blob.NewError("presign_upload", key, false, fmt.Errorf("size must not be negative"))
	}
	return s.signedURL(OpUpload, http.MethodPut, key, "", strconv.FormatInt(size, 10)), nil
}

func (s *Store) PresignDownload(_ context.Context, key, fileName string) (*blob.PresignedURL, error) {
	if _, err := s.fullPath(key); err != nil {
		return nil, blob.NewError("presign_download", key, false, err)
	}
	return s.signedURL(OpDownload, http.MethodGet, key, fileName, ""), nil
}

func (s *Store) PutObject(ctx context.Context, key, _ string, body io.Reader, size int64) error {
	full, err := s.fullPath(key)
	if err != nil {
		return blob.NewError("put", key, false, err)
	}
	if err := ctx.Err(); err != nil {
		return blob.NewError("put", key, true, err)
	}

	return s.put(full, key, body, size, false)
}

// PutObjectOnce кладёт объект, только если ключ свободен. Так работает
// загрузка по подписанному URL: ссылку нельзя использовать повторно.
func (s *Store) PutObjectOnce(ctx context.Context, key, _ string, body io.Reader, size int64) error {
	full, err := s.fullPath(key)
	if err != nil {
		return blob.NewError("put", key, false, err)
	}
	if err := ctx.Err(); err != nil {
		return blob.NewError("put", key, true, err)
	}
	if _, err := os.Stat(full); err == nil {
		return blob.NewError("put", key, false, blob.ErrObjectExists)
	}
	return s.put(full, key, body, size, true)
}

func (s *Store) put(full, key string, body io.Reader, size int64, exclusive bool) error {
	written, err := writeAtomic(full, body, size, exclusive)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return blob.NewError("put", key, false, blob.ErrObjectExists)
		}
		if errors.Is(err, errSizeMismatch) {
			return blob.NewError("put", key, false, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written))
		}
		return wrapError("put", key, err)
	}
	return nil
}

func (s *Store) HeadObject(_ context.Context, key string) (*blob.ObjectInfo, error) {
	full, err := s.fullPath(key)
	if err != nil {
		return nil, blob.NewError("head", key, false, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, wrapError("head", key, err)
	}
	return &blob.ObjectInfo{
		Key:         key,
		Size:        st.Size(),
		ContentType: mime.TypeByExtension(path.Ext(key)),
	}, nil
}

func (s *Store) DeleteObject(_ context.Context, key string) error {
	full, err := s.fullPath(key)
	if err != nil {
		return blob.NewError("delete", key, false, err)
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wrapError("delete", key, err)
	}
	s.pruneEmptyDirs(filepath.Dir(full))
	return nil
}

func (s *Store) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	src, err := s.fullPath(srcKey)
	if err != nil {
		return blob.NewError("copy", srcKey, false, err)
	}
	dst, err := s.fullPath(dstKey)
	if err != nil {
		return blob.NewError("copy", dstKey, false, err)
	}
	if err := ctx.Err(); err != nil {
		return blob.NewError("copy", dstKey, true, err)
	}

	f, err := os.Open(src)
	if err != nil {
		return wrapError("copy", srcKey, err)
	}
	defer f.Close()

	if _, err := writeAtomic(dst, f, -1, false); err != nil {
		return wrapError("copy", dstKey, err)
	}
	return nil
}

// Open открывает объект для отдачи по подписанному GET.
func (s *Store) Open(key string) (*os.File, error) {
	full, err := s.fullPath(key)
	if err != nil {
		return nil, blob.NewError("open", key, false, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, wrapError("open", key, err)
	}
	return f, nil
}

// Verify проверяет подпись и срок действия URL. size пуст для скачивания.
func (s *Store) Verify(op, key, expires, size, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if s.now().Unix() > exp {
		return ErrURLExpired
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(op, key, exp, size))) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *Store) signedURL(op, method, key, fileName, size string) *blob.PresignedURL {
	exp := s.now().Add(s.ttl).Unix()

	q := url.Values{}
	q.Set("key", key)
	q.Set("op", op)
	q.Set("expires", strconv.FormatInt(exp, 10))
	q.Set("sig", s.sign(op, key, exp, size))
	if size != "" {
		q.Set("size", size)
	}
	if fileName != "" {
		q.Set("name", fileName)
	}

	return &blob.PresignedURL{
		URL:       s.baseURL + BlobsPath + "?" + q.Encode(),
		Method:    method,
		ExpiresIn: s.ttl,
	}
}

func (s *Store) sign(op, key string, exp int64, size string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(op + "\n" + key + "\n" + strconv.FormatInt(exp, 10) + "\n" + size))
	return hex.EncodeToString(mac.Sum(nil))
}

// fullPath не выпускает ключ за пределы корня хранилища.
func (s *Store) fullPath(key string) (string, error) {
	if key == "" || strings.Contains(key, `\`) {
		return "", ErrInvalidKey
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean != key {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// pruneEmptyDirs удаляет опустевшие каталоги ревизий, не поднимаясь выше корня.
func (s *Store) pruneEmptyDirs(dir string) {
	root := filepath.Clean(s.root)
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

var errSizeMismatch = errors.New("size mismatch")

// writeAtomic пишет во временный файл и публикует его под именем full.
// При exclusive публикация через link не затирает существующий объект.
// size < 0 отключает проверку размера.
func writeAtomic(full string, r io.Reader, size int64, exclusive bool) (int64, error) {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, err
	}

	f, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if size >= 0 && n != size {
		os.Remove(tmp)
		return n, errSizeMismatch
	}

	if exclusive {
		err = os.Link(tmp, full)
		os.Remove(tmp)
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

func wrapError(op, key string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return blob.NewError(op, key, false, blob.ErrObjectNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return blob.NewError(op, key, true, err)
	default:
		return blob.NewError(op, key, false, err)
	}
}
