package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edustorage/internal/domain"
)

const mib = 1 << 20

func reserve(t *testing.T, s *Store, owner string, bytes int64) *domain.Reservation {
	t.Helper()
	r, err := s.Reserve(context.Background(), domain.ReservationRequest{
		OwnerID: owner, Bytes: bytes, StorageKey: "users/" + owner + "/" + uuid.NewString(), TTL: time.Minute,
	})
	require.NoError(t, err)
	return r
}

func addFile(t *testing.T, s *Store, owner string, size int64, folderID *uuid.UUID) *domain.PersonalFile {
	t.Helper()
	r := reserve(t, s, owner, size)
	f := &domain.PersonalFile{
		ID:              uuid.New(),
		OwnerID:         owner,
		Name:            "f.pdf",
		Type:            domain.FileTypeDocument,
		SizeBytes:       size,
		StorageKey:      r.StorageKey,
		FolderID:        folderID,
		FilePermissions: domain.OwnerPermissions(),
	}
	require.NoError(t, s.CreateFile(context.Background(), f, r.ID))
	return f
}

func TestGetQuotaUnknownUser(t *testing.T) {
	s := NewStore(0)
	_, err := s.GetQuota(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestReserveCommitRollback(t *testing.T) {
	ctx := context.Background()
	s := NewStore(100)

	r := reserve(t, s, "u1", 60)
	q, err := s.GetQuota(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 60, q.UsedBytes)
	assert.EqualValues(t, 40, q.AvailableBytes())

	_, err = s.Reserve(ctx, domain.ReservationRequest{OwnerID: "u1", Bytes: 41})
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	q, _ = s.GetQuota(ctx, "u1")
	assert.EqualValues(t, 60, q.UsedBytes, "failed reservation changes nothing")

	require.NoError(t, s.Rollback(ctx, r.ID))
	require.NoError(t, s.Rollback(ctx, r.ID), "rollback is idempotent")
	q, _ = s.GetQuota(ctx, "u1")
	assert.EqualValues(t, 0, q.UsedBytes)

	assert.ErrorIs(t, s.Commit(ctx, r.ID), domain.ErrReservationExpired)

	r2 := reserve(t, s, "u1", 10)
	require.NoError(t, s.Commit(ctx, r2.ID))
	require.NoError(t, s.Commit(ctx, r2.ID))
	assert.ErrorIs(t, s.Rollback(ctx, r2.ID), domain.ErrReservationExpired)
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := NewStore(10 * mib)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Reserve(ctx, domain.ReservationRequest{OwnerID: "u1", Bytes: 4 * mib, TTL: time.Minute}); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, ok.Load())
	q, err := s.GetQuota(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 8*mib, q.UsedBytes)
	assert.Equal(t, q.TotalBytesLimit, q.UsedBytes+q.AvailableBytes())
}

func TestCreateAndDeleteFile(t *testing.T) {
	ctx := context.Background()
	s := NewStore(100 * mib)

	folder := &domain.FileFolder{OwnerID: "u1", Name: "docs"}
	require.NoError(t, s.CreateFolder(ctx, folder))

	f := addFile(t, s, "u1", 5*mib, &folder.ID)
	assert.Equal(t, 1, f.Version)

	got, err := s.GetFolder(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FilesCount)
	assert.EqualValues(t, 5*mib, got.TotalSize)

	byKey, err := s.FileByStorageKey(ctx, f.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, f.ID, byKey.ID)

	_, err = s.DeleteFile(ctx, f.ID, "u2")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	deleted, err := s.DeleteFile(ctx, f.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, f.StorageKey, deleted.StorageKey)

	q, _ := s.GetQuota(ctx, "u1")
	assert.EqualValues(t, 0, q.UsedBytes)
	got, _ = s.GetFolder(ctx, folder.ID)
	assert.Equal(t, 0, got.FilesCount)
	assert.EqualValues(t, 0, got.TotalSize)

	_, err = s.DeleteFile(ctx, f.ID, "u1")
	assert.ErrorIs(t, err, domain.ErrFileNotFound)
}

func TestCreateFileRequiresMatchingReservation(t *testing.T) {
	ctx := context.Background()
	s := NewStore(100)

	r := reserve(t, s, "u1", 10)
	err := s.CreateFile(ctx, &domain.PersonalFile{OwnerID: "u1", SizeBytes: 11, StorageKey: "k"}, r.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)

	other := &domain.FileFolder{OwnerID: "u2", Name: "x"}
	require.NoError(t, s.CreateFolder(ctx, other))
	err = s.CreateFile(ctx, &domain.PersonalFile{OwnerID: "u1", SizeBytes: 10, StorageKey: "k", FolderID: &other.ID}, r.ID)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	require.NoError(t, s.Rollback(ctx, r.ID))
	err = s.CreateFile(ctx, &domain.PersonalFile{OwnerID: "u1", SizeBytes: 10, StorageKey: "k"}, r.ID)
	assert.ErrorIs(t, err, domain.ErrReservationExpired)
}

func TestReplaceContent(t *testing.T) {
	ctx := context.Background()
	s := NewStore(100)
	f := addFile(t, s, "u1", 10, nil)

	// рост файла требует резерва на разницу
	r := reserve(t, s, "u1", 15)
	res, err := s.ReplaceContent(ctx, domain.ContentChange{
		FileID: f.ID, OwnerID: "u1", ExpectedVersion: 1, SizeBytes: 25,
		Type: domain.FileTypeDocument, StorageKey: "new-key", ReservationID: &r.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, f.StorageKey, res.PreviousKey)
	assert.EqualValues(t, 10, res.PreviousSize)
	assert.Equal(t, 2, res.File.Version)

	q, _ := s.GetQuota(ctx, "u1")
	assert.EqualValues(t, 25, q.UsedBytes)

	// устаревшая версия
	_, err = s.ReplaceContent(ctx, domain.ContentChange{FileID: f.ID, OwnerID: "u1", ExpectedVersion: 1, SizeBytes: 5, StorageKey: "k3"})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	// уменьшение освобождает квоту
	_, err = s.ReplaceContent(ctx, domain.ContentChange{FileID: f.ID, OwnerID: "u1", ExpectedVersion: 2, SizeBytes: 5, StorageKey: "k3"})
	require.NoError(t, err)
	q, _ = s.GetQuota(ctx, "u1")
	assert.EqualValues(t, 5, q.UsedBytes)

	_, err = s.FileByStorageKey(ctx, "new-key")
	assert.ErrorIs(t, err, domain.ErrFileNotFound)
}

func TestRenameFileVersion(t *testing.T) {
	ctx := context.Background()
	s := NewStore(100)
	f := addFile(t, s, "u1", 1, nil)

	renamed, err := s.RenameFile(ctx, f.ID, "u1", 1, "b.pdf")
	require.NoError(t, err)
	assert.Equal(t, "b.pdf", renamed.Name)
	assert.Equal(t, 2, renamed.Version)

	_, err = s.RenameFile(ctx, f.ID, "u1", 1, "c.pdf")
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestRenameFolderCascadesPaths(t *testing.T) {
	ctx := context.Background()
	s := NewStore(100)

	docs := &domain.FileFolder{OwnerID: "u1", Name: "docs"}
	require.NoError(t, s.CreateFolder(ctx, docs))
	math := &domain.FileFolder{OwnerID: "u1", Name: "math", ParentID: &docs.ID}
	require.NoError(t, s.CreateFolder(ctx, math))
	hw := &domain.FileFolder{OwnerID: "u1", Name: "hw", ParentID: &math.ID}
	require.NoError(t, s.CreateFolder(ctx, hw))
	docsOld := &domain.FileFolder{OwnerID: "u1", Name: "docs-old"}
	require.NoError(t, s.CreateFolder(ctx, docsOld))
	assert.Equal(t, "/docs/math/hw", hw.Path)

	renamed, err := s.RenameFolder(ctx, docs.ID, "u1", "notes")
	require.NoError(t, err)
	assert.Equal(t, "/notes", renamed.Path)

	got, _ := s.GetFolder(ctx, hw.ID)
	assert.Equal(t, "/notes/math/hw", got.Path)
	got, _ = s.GetFolder(ctx, docsOld.ID)
	assert.Equal(t, "/docs-old", got.Path)

	_, err = s.RenameFolder(ctx, math.ID, "u1", "math")
	assert.NoError(t, err)
	_, err = s.RenameFolder(ctx, docsOld.ID, "u1", "notes")
	assert.ErrorIs(t, err, domain.ErrValidation)

	children, err := s.ListFolders(ctx, "u1", domain.FolderFilter{ParentID: &docs.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, math.ID, children[0].ID)

	top, err := s.ListFolders(ctx, "u1", domain.FolderFilter{RootOnly: true})
	require.NoError(t, err)
	assert.Len(t, top, 2)
	for _, f := range top {
		assert.Nil(t, f.ParentID, f.Path)
	}

	all, err := s.ListFolders(ctx, "u1", domain.FolderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRecalculateAndExpired(t *testing.T) {
	ctx := context.Background()
	s := NewStore(100)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	addFile(t, s, "u1", 10, nil)
	pending := reserve(t, s, "u1", 5)

	s.quotas["u1"].UsedBytes = 40
	q, drift, err := s.Recalculate(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 25, drift)
	assert.EqualValues(t, 15, q.UsedBytes)

	expired, err := s.ExpiredReservations(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = s.ExpiredReservations(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, pending.ID, expired[0].ID)
}

func TestUpdateLimit(t *testing.T) {
	ctx := context.Background()
	s := NewStore(100)
	reserve(t, s, "u1", 50)

	_, err := s.UpdateLimit(ctx, "u1", 49)
	assert.ErrorIs(t, err, domain.ErrValidation)

	q, err := s.UpdateLimit(ctx, "u1", 200)
	require.NoError(t, err)
	assert.EqualValues(t, 150, q.AvailableBytes())
}

func TestOrphans(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0)

	require.NoError(t, s.EnqueueOrphan(ctx, "k1", "delete failed"))
	require.NoError(t, s.EnqueueOrphan(ctx, "k1", "again"))
	require.NoError(t, s.MarkOrphanAttempt(ctx, "k1"))

	list, err := s.ListOrphans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Attempts)
	assert.Equal(t, "delete failed", list[0].Reason)

	require.NoError(t, s.RemoveOrphan(ctx, "k1"))
	list, _ = s.ListOrphans(ctx, 10)
	assert.Empty(t, list)
}

func TestExtendReservation(t *testing.T) {
	ctx := context.Background()
	s := NewStore(100)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	r := reserve(t, s, "u1", 10)
	now = now.Add(50 * time.Second)
	require.NoError(t, s.ExtendReservation(ctx, r.ID, time.Minute))

	expired, err := s.ExpiredReservations(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	got, err := s.ReservationByKey(ctx, r.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), got.ExpiresAt)

	require.NoError(t, s.Commit(ctx, r.ID))
	assert.ErrorIs(t, s.ExtendReservation(ctx, r.ID, time.Minute), domain.ErrReservationExpired)
	assert.ErrorIs(t, s.ExtendReservation(ctx, uuid.New(), time.Minute), domain.ErrFileNotFound)

	_, err = s.ReservationByKey(ctx, "users/u1/none")
	assert.ErrorIs(t, err, domain.ErrFileNotFound)
}
