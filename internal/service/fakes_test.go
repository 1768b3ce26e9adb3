package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"edustorage/internal/domain"
	"edustorage/internal/events"
	"edustorage/internal/repository"
	"edustorage/internal/repository/memory"
	"edustorage/internal/service/blob"
	"edustorage/internal/validation"
)

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*repository.Store)(nil)
)

// fakeBackend — хранилище объектов в памяти с инъекцией ошибок.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   map[string]int

	// fail возвращает ошибку для операции op и номера вызова (с единицы)
	fail func(op string, call int) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		objects: make(map[string][]byte),
		calls:   make(map[string]int),
	}
}

func (b *fakeBackend) hit(op, key string) error {
	b.mu.Lock()
	b.calls[op]++
	call := b.calls[op]
	fail := b.fail
	b.mu.Unlock()

	if fail != nil {
		if err := fail(op, call); err != nil {
			return blob.NewError(op, key, blob.IsTransient(err), err)
		}
	}
	return nil
}

func (b *fakeBackend) setFail(fail func(op string, call int) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fail
	b.calls = make(map[string]int)
}

func (b *fakeBackend) callCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBackend) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

func (b *fakeBackend) store(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
}

func (b *fakeBackend) PresignUpload(_ context.Context, key, _ string, _ int64) (*blob.PresignedURL, error) {
	if err := b.hit("presign", key); err != nil {
		return nil, err
	}
	return &blob.PresignedURL{URL: "https://blobs.test/" + key, Method: "PUT", ExpiresIn: 15 * time.Minute}, nil
}

func (b *fakeBackend) PresignDownload(_ context.Context, key, _ string) (*blob.PresignedURL, error) {
	if err := b.hit("presign", key); err != nil {
		return nil, err
	}
	return &blob.PresignedURL{URL: "https://blobs.test/" + key, Method: "GET", ExpiresIn: 15 * time.Minute}, nil
}

func (b *fakeBackend) PutObject(_ context.Context, key, _ string, body io.Reader, _ int64) error {
	if err := b.hit("put", key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return blob.NewError("put", key, false, err)
	}
	b.store(key, data)
	return nil
}

func (b *fakeBackend) HeadObject(_ context.Context, key string) (*blob.ObjectInfo, error) {
	if err := b.hit("head", key); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, blob.NewError("head", key, false, blob.ErrObjectNotFound)
	}
	return &blob.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (b *fakeBackend) DeleteObject(_ context.Context, key string) error {
	if err := b.hit("delete", key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *fakeBackend) CopyObject(_ context.Context, srcKey, dstKey string) error {
	if err := b.hit("copy", dstKey); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[srcKey]
	if !ok {
		return blob.NewError("copy", srcKey, false, blob.ErrObjectNotFound)
	}
	b.objects[dstKey] = bytes.Clone(data)
	return nil
}

func (b *fakeBackend) Provider() string {
	return "memory"
}

// transientErr помечается хранилищем как транзиентная ошибка.
var transientErr = blob.NewError("test", "", true, errors.New("connection reset"))

// fakeCourses — каталог материалов курсов.
type fakeCourses struct {
	files map[string]*domain.SourceFile
	err   error
}

func (c *fakeCourses) GetSourceFile(_ context.Context, id string) (*domain.SourceFile, error) {
	if c.err != nil {
		return nil, c.err
	}
	f, ok := c.files[id]
	if !ok {
		return nil, domain.NewError(domain.CodeFileNotFound, "course file %s not found", id)
	}
	cp := *f
	return &cp, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	store     *memory.Store
	backend   *fakeBackend
	courses   *fakeCourses
	events    *recorder
	files     *FileService
	copies    *CopyService
	reconcile *ReconcileService
}

func newTestEnv(t *testing.T, limit int64) *testEnv {
	t.Helper()

	env := &testEnv{
		store:   memory.NewStore(limit),
		backend: newFakeBackend(),
		courses: &fakeCourses{files: make(map[string]*domain.SourceFile)},
		events:  &recorder{},
	}
	opts := StorageOptions{
		PresignTTL:     15 * time.Minute,
		ReservationTTL: time.Minute,
		Retry:          RetryPolicy{Attempts: 3, Backoff: time.Millisecond},
		DefaultQuota:   limit,
		Writes:         NewWriteTracker(),
	}
	validator := validation.New(validation.DefaultLimits())
	logger := zap.NewNop()

	env.copies = NewCopyService(env.store, env.backend, env.courses, validator, env.events, opts, logger)
	env.files = NewFileService(env.store, env.backend, validator, env.copies, env.events, opts, logger)
	env.reconcile = NewReconcileService(env.store, env.backend, env.events, opts, logger)
	return env
}

func (e *testEnv) used(t *testing.T, ownerID string) int64 {
	t.Helper()
	q, err := e.store.GetQuota(context.Background(), ownerID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	return q.UsedBytes
}

// preload списывает bytes с квоты пользователя без файлов.
func (e *testEnv) preload(t *testing.T, ownerID string, bytes int64) {
	t.Helper()
	ctx := context.Background()
	r, err := e.store.Reserve(ctx, domain.ReservationRequest{OwnerID: ownerID, Bytes: bytes, StorageKey: "preload/" + ownerID, TTL: time.Hour})
	if err != nil {
		t.Fatalf("preload reserve: %v", err)
	}
	if err := e.store.Commit(ctx, r.ID); err != nil {
		t.Fatalf("preload commit: %v", err)
	}
}

func pdfBody(size int) []byte {
	data := make([]byte, size)
	copy(data, "%PDF-1.7\n")
	return data
}
