package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type FileType string

const (
	FileTypeImage    FileType = "image"
	FileTypeDocument FileType = "document"
	FileTypeVideo    FileType = "video"
	FileTypeAudio    FileType = "audio"
	FileTypeOther    FileType = "other"
)

// FileTypes перечисляет категории в порядке приоритета классификации.
var FileTypes = []FileType{FileTypeImage, FileTypeDocument, FileTypeVideo, FileTypeAudio, FileTypeOther}

func ParseFileType(s string) (FileType, error) {
	for _, t := range FileTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", NewError(CodeValidation, "unknown file type %q", s)
}

type FilePermissions struct {
	Read   bool `json:"read" db:"can_read"`
	Write  bool `json:"write" db:"can_write"`
	Delete bool `json:"delete" db:"can_delete"`
	Share  bool `json:"share" db:"can_share"`
}

// OwnerPermissions — права владельца на собственный файл.
func OwnerPermissions() FilePermissions {
	return FilePermissions{Read: true, Write: true, Delete: true, Share: true}
}

type PersonalFile struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	OwnerID         string     `json:"userId" db:"owner_id"`
	OriginalFileID  *string    `json:"originalFileId,omitempty" db:"original_file_id"`
	Name            string     `json:"name" db:"name"`
	Type            FileType   `json:"type" db:"file_type"`
	SizeBytes       int64      `json:"size" db:"size_bytes"`
	MIMEType        string     `json:"mimeType" db:"mime_type"`
	StorageProvider string     `json:"storageProvider" db:"storage_provider"`
	StorageKey      string     `json:"storageKey" db:"storage_key"`
	FolderID        *uuid.UUID `json:"folderId,omitempty" db:"folder_id"`
	FilePermissions `json:"permissions"`
	Version         int       `json:"version" db:"version"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
}

// FileFilter сужает выборку listFiles. FolderID == nil без RootOnly — все файлы владельца.
type FileFilter struct {
	FolderID *uuid.UUID
	RootOnly bool
	Type     FileType
	Query    string
}

// NewStorageKey формирует физический ключ в пространстве пользователя.
// Ревизия уникальна для каждой записи содержимого, поэтому параллельные
// перезаливки одного файла никогда не пишут в один и тот же объект.
func NewStorageKey(ownerID string, fileID uuid.UUID, name string) string {
	return fmt.Sprintf("users/%s/%s/%s/%s", ownerID, fileID, uuid.NewString(), name)
}

// UserKeyPrefix — префикс всех объектов пользователя.
func UserKeyPrefix(ownerID string) string {
	return "users/" + ownerID + "/"
}
