package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"edustorage/internal/domain"
	"edustorage/internal/events"
)

// QuotaLedger — учёт квоты. Операции одного пользователя линеаризуются.
type QuotaLedger interface {
	GetQuota(ctx context.Context, ownerID string) (*domain.StorageQuota, error)
	// Reserve — единственный путь увеличения UsedBytes.
	Reserve(ctx context.Context, req domain.ReservationRequest) (*domain.Reservation, error)
	Commit(ctx context.Context, reservationID uuid.UUID) error
	// Rollback идемпотентен для уже откаченного резерва.
	Rollback(ctx context.Context, reservationID uuid.UUID) error
	GetReservation(ctx context.Context, reservationID uuid.UUID) (*domain.Reservation, error)
	ReservationByKey(ctx context.Context, key string) (*domain.Reservation, error)
	// ExtendReservation продлевает только резерв в статусе pending.
	ExtendReservation(ctx context.Context, reservationID uuid.UUID, ttl time.Duration) error
	// Recalculate пересчитывает UsedBytes по каталогу и возвращает исправленное расхождение.
	Recalculate(ctx context.Context, ownerID string) (*domain.StorageQuota, int64, error)
	UpdateLimit(ctx context.Context, ownerID string, limit int64) (*domain.StorageQuota, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}

type FileCatalog interface {
	ListFiles(ctx context.Context, ownerID string, filter domain.FileFilter) ([]domain.PersonalFile, error)
	GetFile(ctx context.Context, id uuid.UUID) (*domain.PersonalFile, error)
	FileByStorageKey(ctx context.Context, key string) (*domain.PersonalFile, error)
	// CreateFile в одной транзакции вставляет строку и подтверждает резерв.
	CreateFile(ctx context.Context, file *domain.PersonalFile, reservationID uuid.UUID) error
	// DeleteFile в одной транзакции удаляет строку и уменьшает UsedBytes.
	DeleteFile(ctx context.Context, id uuid.UUID, ownerID string) (*domain.PersonalFile, error)
	ReplaceContent(ctx context.Context, change domain.ContentChange) (*domain.ContentReplacement, error)
	RenameFile(ctx context.Context, id uuid.UUID, ownerID string, expectedVersion int, name string) (*domain.PersonalFile, error)
	Usage(ctx context.Context, ownerID string) (*domain.StorageUsage, error)
}

type FolderTree interface {
	CreateFolder(ctx context.Context, folder *domain.FileFolder) error
	GetFolder(ctx context.Context, id uuid.UUID) (*domain.FileFolder, error)
	ListFolders(ctx context.Context, ownerID string, filter domain.FolderFilter) ([]domain.FileFolder, error)
	RenameFolder(ctx context.Context, id uuid.UUID, ownerID, name string) (*domain.FileFolder, error)
}

// OrphanQueue — объекты хранилища, оставшиеся без строки каталога.
type OrphanQueue interface {
	EnqueueOrphan(ctx context.Context, key, reason string) error
	ListOrphans(ctx context.Context, limit int) ([]domain.OrphanObject, error)
	MarkOrphanAttempt(ctx context.Context, key string) error
	RemoveOrphan(ctx context.Context, key string) error
}

// Store объединяет все порты хранилища метаданных.
type Store interface {
	QuotaLedger
	FileCatalog
	FolderTree
	OrphanQueue
}

// SourceCatalog — внешний каталог материалов курсов.
type SourceCatalog interface {
	GetSourceFile(ctx context.Context, id string) (*domain.SourceFile, error)
}

type EventPublisher interface {
	Publish(e events.Event)
}
