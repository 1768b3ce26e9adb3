package repository

import "github.com/jmoiron/sqlx"

// Store собирает репозитории PostgreSQL в одно хранилище метаданных.
type Store struct {
	*StorageQuotaRepository
	*FileRepository
	*FolderRepository
	*OrphanRepository
}

func NewStore(db *sqlx.DB, defaultLimit int64) *Store {
	return &Store{
		StorageQuotaRepository: NewStorageQuotaRepository(db, defaultLimit),
		FileRepository:         NewFileRepository(db),
		FolderRepository:       NewFolderRepository(db, defaultLimit),
		OrphanRepository:       NewOrphanRepository(db),
	}
}
