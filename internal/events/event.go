// Package events публикует события хранилища в RabbitMQ.
package events

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	FileUploaded        Type = "file.uploaded"
	FileCopied          Type = "file.copied"
	FileReplaced        Type = "file.replaced"
	FileDeleted         Type = "file.deleted"
	ReservationReleased Type = "reservation.released"
)

type Event struct {
	ID         uuid.UUID  `json:"eventId"`
	Type       Type       `json:"type"`
	UserID     string     `json:"userId"`
	FileID     *uuid.UUID `json:"fileId,omitempty"`
	SourceID   string     `json:"sourceId,omitempty"`
	StorageKey string     `json:"storageKey,omitempty"`
	Size       int64      `json:"size"`
	OccurredAt time.Time  `json:"occurredAt"`
}

func New(t Type, userID string) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
	}
}

// WithFile дополняет событие данными файла.
func (e Event) WithFile(id uuid.UUID, key string, size int64) Event {
	e.FileID = &id
	e.StorageKey = key
	e.Size = size
	return e
}

// Nop отбрасывает события, когда брокер не настроен.
type Nop struct{}

func (Nop) Publish(Event) {}
