package repository

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"edustorage/internal/domain"
)

// setupTestStore поднимает PostgreSQL в контейнере и применяет миграции.
func setupTestStore(t *testing.T, defaultLimit int64) *Store {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("edustorage_test"),
		postgres.WithUsername("edustorage"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, Migrate(dsn, zap.NewNop()))

	db, err := Connect(ctx, dsn, 10, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStore(db, defaultLimit)
}

func reserve(t *testing.T, s *Store, owner string, bytes int64) *domain.Reservation {
	t.Helper()
	r, err := s.Reserve(context.Background(), domain.ReservationRequest{
		OwnerID:    owner,
		Bytes:      bytes,
		StorageKey: "users/" + owner + "/" + uuid.NewString(),
		TTL:        time.Minute,
		Intent:     &domain.UploadIntent{FileID: uuid.New(), Name: "a.pdf", Type: domain.FileTypeDocument},
	})
	require.NoError(t, err)
	return r
}

func TestPostgresStore(t *testing.T) {
	s := setupTestStore(t, 100)
	ctx := context.Background()

	t.Run("unknown user", func(t *testing.T) {
		_, err := s.GetQuota(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})

	t.Run("reservation lifecycle", func(t *testing.T) {
		r := reserve(t, s, "u1", 60)

		got, err := s.GetReservation(ctx, r.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Intent)
		assert.Equal(t, "a.pdf", got.Intent.Name)

		_, err = s.Reserve(ctx, domain.ReservationRequest{OwnerID: "u1", Bytes: 41, TTL: time.Minute})
		assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

		require.NoError(t, s.Rollback(ctx, r.ID))
		require.NoError(t, s.Rollback(ctx, r.ID))
		q, err := s.GetQuota(ctx, "u1")
		require.NoError(t, err)
		assert.EqualValues(t, 0, q.UsedBytes)
	})

	t.Run("concurrent reservations", func(t *testing.T) {
		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Reserve(ctx, domain.ReservationRequest{OwnerID: "u2", Bytes: 40, TTL: time.Minute})
				if err == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 2, ok.Load())

		q, err := s.GetQuota(ctx, "u2")
		require.NoError(t, err)
		assert.EqualValues(t, 80, q.UsedBytes)
	})

	t.Run("file catalog", func(t *testing.T) {
		folder := &domain.FileFolder{OwnerID: "u3", Name: "docs"}
		require.NoError(t, s.CreateFolder(ctx, folder))
		sub := &domain.FileFolder{OwnerID: "u3", Name: "math", ParentID: &folder.ID}
		require.NoError(t, s.CreateFolder(ctx, sub))
		assert.Equal(t, "/docs/math", sub.Path)

		r := reserve(t, s, "u3", 30)
		file := &domain.PersonalFile{
			OwnerID:         "u3",
			Name:            "notes.pdf",
			Type:            domain.FileTypeDocument,
			SizeBytes:       30,
			MIMEType:        "application/pdf",
			StorageProvider: "local",
			StorageKey:      r.StorageKey,
			FolderID:        &sub.ID,
			FilePermissions: domain.OwnerPermissions(),
		}
		require.NoError(t, s.CreateFile(ctx, file, r.ID))
		assert.Equal(t, 1, file.Version)

		got, err := s.GetFolder(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.FilesCount)
		assert.EqualValues(t, 30, got.TotalSize)

		files, err := s.ListFiles(ctx, "u3", domain.FileFilter{Query: "NOTE"})
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.True(t, files[0].Read)

		usage, err := s.Usage(ctx, "u3")
		require.NoError(t, err)
		assert.EqualValues(t, 30, usage.TotalSize)
		assert.EqualValues(t, 30, usage.ByFolder[sub.ID.String()].Size)

		renamed, err := s.RenameFile(ctx, file.ID, "u3", 1, "lecture.pdf")
		require.NoError(t, err)
		assert.Equal(t, 2, renamed.Version)
		_, err = s.RenameFile(ctx, file.ID, "u3", 1, "x.pdf")
		assert.ErrorIs(t, err, domain.ErrVersionConflict)
		_, err = s.RenameFile(ctx, file.ID, "intruder", 2, "x.pdf")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)

		grow := reserve(t, s, "u3", 10)
		res, err := s.ReplaceContent(ctx, domain.ContentChange{
			FileID: file.ID, OwnerID: "u3", ExpectedVersion: 2, SizeBytes: 40,
			MIMEType: "application/pdf", Type: domain.FileTypeDocument,
			StorageKey: grow.StorageKey, ReservationID: &grow.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, r.StorageKey, res.PreviousKey)
		assert.Equal(t, 3, res.File.Version)

		movedFolder, err := s.RenameFolder(ctx, folder.ID, "u3", "study")
		require.NoError(t, err)
		assert.Equal(t, "/study", movedFolder.Path)
		got, err = s.GetFolder(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, "/study/math", got.Path)

		top, err := s.ListFolders(ctx, "u3", domain.FolderFilter{RootOnly: true})
		require.NoError(t, err)
		require.Len(t, top, 1)
		assert.Equal(t, folder.ID, top[0].ID)

		_, err = s.DeleteFile(ctx, file.ID, "intruder")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
		deleted, err := s.DeleteFile(ctx, file.ID, "u3")
		require.NoError(t, err)
		assert.EqualValues(t, 40, deleted.SizeBytes)

		q, err := s.GetQuota(ctx, "u3")
		require.NoError(t, err)
		assert.EqualValues(t, 0, q.UsedBytes)
	})

	t.Run("recalculate and expiry", func(t *testing.T) {
		pending := reserve(t, s, "u4", 5)

		_, err := s.StorageQuotaRepository.db.ExecContext(ctx, `UPDATE storage_quotas SET used_bytes = 50 WHERE owner_id = 'u4'`)
		require.NoError(t, err)

		q, drift, err := s.Recalculate(ctx, "u4")
		require.NoError(t, err)
		assert.EqualValues(t, 45, drift)
		assert.EqualValues(t, 5, q.UsedBytes)

		expired, err := s.ExpiredReservations(ctx, time.Now().Add(time.Hour), 100)
		require.NoError(t, err)
		var found bool
		for _, r := range expired {
			found = found || r.ID == pending.ID
		}
		assert.True(t, found)
	})

	t.Run("extend and lookup by key", func(t *testing.T) {
		r := reserve(t, s, "u5", 5)

		require.NoError(t, s.ExtendReservation(ctx, r.ID, 2*time.Hour))
		got, err := s.ReservationByKey(ctx, r.StorageKey)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
		assert.True(t, got.ExpiresAt.After(time.Now().Add(time.Hour)))

		require.NoError(t, s.Rollback(ctx, r.ID))
		assert.ErrorIs(t, s.ExtendReservation(ctx, r.ID, time.Hour), domain.ErrReservationExpired)

		_, err = s.ReservationByKey(ctx, "users/u5/none")
		assert.ErrorIs(t, err, domain.ErrFileNotFound)
	})

	t.Run("orphans", func(t *testing.T) {
		require.NoError(t, s.EnqueueOrphan(ctx, "k1", "delete failed"))
		require.NoError(t, s.EnqueueOrphan(ctx, "k1", "delete failed"))
		require.NoError(t, s.MarkOrphanAttempt(ctx, "k1"))

		list, err := s.ListOrphans(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, 1, list[0].Attempts)
		assert.NotNil(t, list[0].LastAttemptAt)

		require.NoError(t, s.RemoveOrphan(ctx, "k1"))
	})
}
