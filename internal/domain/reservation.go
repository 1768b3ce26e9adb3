package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	ReservationPending    ReservationStatus = "pending"
	ReservationCommitted  ReservationStatus = "committed"
	ReservationRolledBack ReservationStatus = "rolled_back"
)

// Reservation — предварительное списание квоты до физической записи.
// Пока резерв в статусе pending, его байты уже входят в UsedBytes.
type Reservation struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	OwnerID    string            `json:"userId" db:"owner_id"`
	Bytes      int64             `json:"bytes" db:"bytes"`
	StorageKey string            `json:"storageKey" db:"storage_key"`
	Status     ReservationStatus `json:"status" db:"status"`
	Intent     *UploadIntent     `json:"intent,omitempty" db:"intent"`
	ExpiresAt  time.Time         `json:"expiresAt" db:"expires_at"`
	CreatedAt  time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time         `json:"updatedAt" db:"updated_at"`
}

func (r *Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationPending && now.After(r.ExpiresAt)
}

// ReservationRequest — параметры reserve.
type ReservationRequest struct {
	OwnerID    string
	Bytes      int64
	StorageKey string
	TTL        time.Duration
	Intent     *UploadIntent
}

// UploadIntent хранит метаданные загрузки по pre-signed URL до её завершения.
type UploadIntent struct {
	FileID   uuid.UUID  `json:"fileId"`
	Name     string     `json:"name"`
	MIMEType string     `json:"mimeType"`
	Type     FileType   `json:"type"`
	FolderID *uuid.UUID `json:"folderId,omitempty"`
}

// Value отдаёт JSON строкой: lib/pq передаёт []byte как bytea, а колонка jsonb.
func (i UploadIntent) Value() (driver.Value, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (i *UploadIntent) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported upload intent type %T", src)
	}
	return json.Unmarshal(data, i)
}
