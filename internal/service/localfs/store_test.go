package localfs

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edustorage/internal/service/blob"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		Root:       t.TempDir(),
		BaseURL:    "http://localhost:8080/",
		SigningKey: "secret",
		PresignTTL: time.Minute,
	})
	require.NoError(t, err)
	return s
}

func TestPutHeadCopyDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutObject(ctx, "users/u1/f1/r1/notes.pdf", "application/pdf", strings.NewReader("hello"), 5))

	info, err := s.HeadObject(ctx, "users/u1/f1/r1/notes.pdf")
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.Size)
	assert.Equal(t, "application/pdf", info.ContentType)

	require.NoError(t, s.CopyObject(ctx, "users/u1/f1/r1/notes.pdf", "users/u2/f2/r2/notes.pdf"))
	info, err = s.HeadObject(ctx, "users/u2/f2/r2/notes.pdf")
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.Size)

	require.NoError(t, s.DeleteObject(ctx, "users/u1/f1/r1/notes.pdf"))
	_, err = s.HeadObject(ctx, "users/u1/f1/r1/notes.pdf")
	assert.ErrorIs(t, err, blob.ErrObjectNotFound)
	assert.False(t, blob.IsTransient(err))

	// каталоги ревизии удалены вместе с объектом
	_, err = os.Stat(filepath.Join(s.root, "users", "u1"))
	assert.True(t, os.IsNotExist(err))

	// повторное удаление — успех
	assert.NoError(t, s.DeleteObject(ctx, "users/u1/f1/r1/notes.pdf"))
}

func TestPutObjectSizeMismatch(t *testing.T) {
	s := newTestStore(t)

	err := s.PutObject(context.Background(), "users/u1/f/r/a.txt", "text/plain", strings.NewReader("abc"), 10)
	require.Error(t, err)

	var be *blob.BackendError
	require.ErrorAs(t, err, &be)
	assert.False(t, be.Transient)

	_, err = s.HeadObject(context.Background(), "users/u1/f/r/a.txt")
	assert.ErrorIs(t, err, blob.ErrObjectNotFound)
}

func TestPutObjectCanceledContextIsTransient(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.PutObject(ctx, "users/u1/f/r/a.txt", "text/plain", strings.NewReader("abc"), 3)
	assert.True(t, blob.IsTransient(err))
}

func TestCopyMissingSource(t *testing.T) {
	s := newTestStore(t)
	err := s.CopyObject(context.Background(), "users/u1/none", "users/u1/dst")
	assert.ErrorIs(t, err, blob.ErrObjectNotFound)
}

func TestRejectsKeysOutsideRoot(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"", "../etc/passwd", "users/../../x", "/abs", `users\u1`, "users//u1"} {
		_, err := s.PresignUpload(context.Background(), key, "", 1)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestSignedURLs(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	p, err := s.PresignDownload(context.Background(), "users/u1/f/r/my notes.pdf", "my notes.pdf")
	require.NoError(t, err)
	assert.Equal(t, "GET", p.Method)
	assert.Equal(t, time.Minute, p.ExpiresIn)
	assert.True(t, strings.HasPrefix(p.URL, "http://localhost:8080/blobs?"))

	u, err := url.Parse(p.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "users/u1/f/r/my notes.pdf", q.Get("key"))
	assert.Equal(t, "my notes.pdf", q.Get("name"))

	assert.False(t, q.Has("size"))

	assert.NoError(t, s.Verify(q.Get("op"), q.Get("key"), q.Get("expires"), "", q.Get("sig")))
	assert.ErrorIs(t, s.Verify(OpUpload, q.Get("key"), q.Get("expires"), "", q.Get("sig")), ErrInvalidSignature)
	assert.ErrorIs(t, s.Verify(q.Get("op"), "users/u2/x", q.Get("expires"), "", q.Get("sig")), ErrInvalidSignature)
	assert.ErrorIs(t, s.Verify(q.Get("op"), q.Get("key"), "abc", "", q.Get("sig")), ErrInvalidSignature)

	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, s.Verify(q.Get("op"), q.Get("key"), q.Get("expires"), "", q.Get("sig")), ErrURLExpired)
}

func TestUploadURLSignsSize(t *testing.T) {
	s := newTestStore(t)

	p, err := s.PresignUpload(context.Background(), "users/u1/f/r/notes.pdf", "application/pdf", 100)
	require.NoError(t, err)
	assert.Equal(t, "PUT", p.Method)

	u, err := url.Parse(p.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "100", q.Get("size"))

	assert.NoError(t, s.Verify(OpUpload, q.Get("key"), q.Get("expires"), "100", q.Get("sig")))
	assert.ErrorIs(t, s.Verify(OpUpload, q.Get("key"), q.Get("expires"), "50000", q.Get("sig")), ErrInvalidSignature)
	assert.ErrorIs(t, s.Verify(OpUpload, q.Get("key"), q.Get("expires"), "", q.Get("sig")), ErrInvalidSignature)

	_, err = s.PresignUpload(context.Background(), "users/u1/f/r/notes.pdf", "", -1)
	assert.Error(t, err)
}

func TestPutObjectOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := "users/u1/f/r/a.txt"

	require.NoError(t, s.PutObjectOnce(ctx, key, "text/plain", strings.NewReader("abc"), 3))

	err := s.PutObjectOnce(ctx, key, "text/plain", strings.NewReader("abcdef"), 6)
	assert.ErrorIs(t, err, blob.ErrObjectExists)
	assert.False(t, blob.IsTransient(err))

	info, err := s.HeadObject(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Size)

	// неверный размер не оставляет ни объекта, ни временных файлов
	err = s.PutObjectOnce(ctx, "users/u1/f/r/b.txt", "", strings.NewReader("abc"), 10)
	require.Error(t, err)
	entries, err := os.ReadDir(filepath.Join(s.root, "users", "u1", "f", "r"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name())
}

func TestOpen(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutObject(context.Background(), "users/u1/f/r/a.txt", "", strings.NewReader("data"), -1))

	f, err := s.Open("users/u1/f/r/a.txt")
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 4)
	_, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf))

	_, err = s.Open("users/u1/missing")
	assert.ErrorIs(t, err, blob.ErrObjectNotFound)
}
