package domain

import (
	"time"

	"github.com/google/uuid"
)

// SourceFile — файл, с которого снимается личная копия: материал курса
// или собственный файл пользователя.
type SourceFile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SizeBytes  int64  `json:"size"`
	MIMEType   string `json:"mimeType"`
	StorageKey string `json:"storageKey"`
}

// ContentChange описывает перезаливку содержимого файла (новая версия).
type ContentChange struct {
	FileID          uuid.UUID
	OwnerID         string
	ExpectedVersion int
	SizeBytes       int64
	MIMEType        string
	Type            FileType
	StorageKey      string
	// ReservationID обязателен, только если файл растёт.
	ReservationID *uuid.UUID
}

// ContentReplacement — результат перезаливки, PreviousKey нужно удалить из хранилища.
type ContentReplacement struct {
	File         *PersonalFile
	PreviousKey  string
	PreviousSize int64
}

// OrphanObject — физический объект без строки каталога, ждёт удаления.
type OrphanObject struct {
	StorageKey    string     `json:"storageKey" db:"storage_key"`
	Reason        string     `json:"reason" db:"reason"`
	Attempts      int        `json:"attempts" db:"attempts"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty" db:"last_attempt_at"`
}
