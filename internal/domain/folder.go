package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// FolderFilter — выборка папок. Пустой фильтр отдаёт всё дерево владельца,
// RootOnly — только папки верхнего уровня.
type FolderFilter struct {
	ParentID *uuid.UUID
	RootOnly bool
}

// FileFolder — папка пользователя. FilesCount и TotalSize считаются только
// по прямым потомкам-файлам, вложенные папки не учитываются.
type FileFolder struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	OwnerID    string     `json:"userId" db:"owner_id"`
	Name       string     `json:"name" db:"name"`
	ParentID   *uuid.UUID `json:"parentId,omitempty" db:"parent_id"`
	Path       string     `json:"path" db:"path"`
	FilesCount int        `json:"filesCount" db:"files_count"`
	TotalSize  int64      `json:"totalSize" db:"total_size"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time  `json:"updatedAt" db:"updated_at"`
}

// ChildPath вычисляет путь папки из пути родителя. Для корня родителя нет.
func ChildPath(parentPath, name string) string {
	if parentPath == "" || parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// ParentPath — путь родителя, "/" для папок верхнего уровня.
func ParentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// RebasePath переносит путь потомка со старого префикса на новый.
func RebasePath(path, oldPrefix, newPrefix string) string {
	if path == oldPrefix {
		return newPrefix
	}
	if strings.HasPrefix(path, oldPrefix+"/") {
		return newPrefix + path[len(oldPrefix):]
	}
	return path
}
