package domain

import "github.com/google/uuid"

// RootFolderKey — ключ ByFolder для файлов вне папок.
const RootFolderKey = "root"

type UsageBucket struct {
	Files int   `json:"files"`
	Size  int64 `json:"size"`
}

// StorageUsage — агрегат по каталогу, никогда не хранится отдельно.
type StorageUsage struct {
	UserID     string                   `json:"userId"`
	TotalFiles int                      `json:"totalFiles"`
	TotalSize  int64                    `json:"totalSize"`
	ByType     map[FileType]UsageBucket `json:"byType"`
	ByFolder   map[string]UsageBucket   `json:"byFolder"`
}

func NewStorageUsage(ownerID string) *StorageUsage {
	return &StorageUsage{
		UserID:   ownerID,
		ByType:   make(map[FileType]UsageBucket),
		ByFolder: make(map[string]UsageBucket),
	}
}

// Add учитывает count файлов суммарным размером size.
func (u *StorageUsage) Add(fileType FileType, folderID *uuid.UUID, count int, size int64) {
	u.TotalFiles += count
	u.TotalSize += size

	b := u.ByType[fileType]
	b.Files += count
	b.Size += size
	u.ByType[fileType] = b

	key := RootFolderKey
	if folderID != nil {
		key = folderID.String()
	}
	f := u.ByFolder[key]
	f.Files += count
	f.Size += size
	u.ByFolder[key] = f
}

func BuildUsage(ownerID string, files []PersonalFile) *StorageUsage {
	u := NewStorageUsage(ownerID)
	for i := range files {
		u.Add(files[i].Type, files[i].FolderID, 1, files[i].SizeBytes)
	}
	return u
}
