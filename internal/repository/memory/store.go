// Package memory — хранилище метаданных в памяти процесса.
// Используется при Catalog.Driver=memory и в тестах сервисов. Все операции
// выполняются под одним мьютексом, поэтому резервирования линеаризуются.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"edustorage/internal/domain"
)

type Store struct {
	mu sync.RWMutex

	defaultLimit int64
	now          func() time.Time

	quotas       map[string]*domain.StorageQuota
	reservations map[uuid.UUID]*domain.Reservation
	files        map[uuid.UUID]*domain.PersonalFile
	keys         map[string]uuid.UUID
	folders      map[uuid.UUID]*domain.FileFolder
	orphans      map[string]*domain.OrphanObject
	quotaSeq     int64
}

func NewStore(defaultLimit int64) *Store {
	if defaultLimit <= 0 {
		defaultLimit = domain.DefaultQuotaBytes
	}
	return &Store{
		defaultLimit: defaultLimit,
		now:          func() time.Time { return time.Now().UTC() },
		quotas:       make(map[string]*domain.StorageQuota),
		reservations: make(map[uuid.UUID]*domain.Reservation),
		files:        make(map[uuid.UUID]*domain.PersonalFile),
		keys:         make(map[string]uuid.UUID),
		folders:      make(map[uuid.UUID]*domain.FileFolder),
		orphans:      make(map[string]*domain.OrphanObject),
	}
}

// SetClock подменяет часы, нужен тестам просроченных резервов.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ---- квота ----

func (s *Store) GetQuota(_ context.Context, ownerID string) (*domain.StorageQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotas[ownerID]
	if !ok {
		return nil, domain.NewError(domain.CodeUserNotFound, "no storage quota for user %s", ownerID)
	}
	cp := *q
	return &cp, nil
}

func (s *Store) ensureQuota(ownerID string) *domain.StorageQuota {
	q, ok := s.quotas[ownerID]
	if !ok {
		now := s.now()
		s.quotaSeq++
		q = &domain.StorageQuota{
			ID:              s.quotaSeq,
			OwnerID:         ownerID,
			TotalBytesLimit: s.defaultLimit,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		s.quotas[ownerID] = q
	}
	return q
}

func (s *Store) Reserve(_ context.Context, req domain.ReservationRequest) (*domain.Reservation, error) {
	if req.Bytes < 0 {
		return nil, domain.NewError(domain.CodeValidation, "reservation size must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.ensureQuota(req.OwnerID)
	if !q.CanFit(req.Bytes) {
		return nil, q.ExceededBy(req.Bytes)
	}

	now := s.now()
	q.UsedBytes += req.Bytes
	q.UpdatedAt = now

	r := &domain.Reservation{
		ID:         uuid.New(),
		OwnerID:    req.OwnerID,
		Bytes:      req.Bytes,
		StorageKey: req.StorageKey,
		Status:     domain.ReservationPending,
		Intent:     req.Intent,
		ExpiresAt:  now.Add(req.TTL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.reservations[r.ID] = r

	cp := *r
	return &cp, nil
}

func (s *Store) Commit(_ context.Context, reservationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.pendingReservation(reservationID)
	if err != nil {
		return err
	}
	if r.Status == domain.ReservationCommitted {
		return nil
	}
	r.Status = domain.ReservationCommitted
	r.UpdatedAt = s.now()
	return nil
}

func (s *Store) Rollback(_ context.Context, reservationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return domain.NewError(domain.CodeFileNotFound, "reservation %s not found", reservationID)
	}
	switch r.Status {
	case domain.ReservationRolledBack:
		return nil
	case domain.ReservationCommitted:
		return domain.NewError(domain.CodeReservationExpired, "reservation %s is already committed", reservationID)
	}

	now := s.now()
	if q, ok := s.quotas[r.OwnerID]; ok {
		q.UsedBytes = max(q.UsedBytes-r.Bytes, 0)
		q.UpdatedAt = now
	}
	r.Status = domain.ReservationRolledBack
	r.UpdatedAt = now
	return nil
}

// pendingReservation возвращает резерв, который ещё можно подтвердить.
// Уже подтверждённый резерв тоже возвращается: повторный Commit безопасен.
func (s *Store) pendingReservation(id uuid.UUID) (*domain.Reservation, error) {
	r, ok := s.reservations[id]
	if !ok {
		return nil, domain.NewError(domain.CodeFileNotFound, "reservation %s not found", id)
	}
	if r.Status == domain.ReservationRolledBack {
		return nil, domain.NewError(domain.CodeReservationExpired, "reservation %s was rolled back", id)
	}
	return r, nil
}

func (s *Store) GetReservation(_ context.Context, reservationID uuid.UUID) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, domain.NewError(domain.CodeFileNotFound, "reservation %s not found", reservationID)
	}
	cp := *r
	return &cp, nil
}

// ReservationByKey возвращает последний резерв на ключ хранилища.
func (s *Store) ReservationByKey(_ context.Context, key string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Reservation
	for _, r := range s.reservations {
		if r.StorageKey == key && (latest == nil || r.CreatedAt.After(latest.CreatedAt)) {
			latest = r
		}
	}
	if latest == nil {
		return nil, domain.NewError(domain.CodeFileNotFound, "no reservation for key %s", key)
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) ExtendReservation(_ context.Context, reservationID uuid.UUID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return domain.NewError(domain.CodeFileNotFound, "reservation %s not found", reservationID)
	}
	if r.Status != domain.ReservationPending {
		return domain.NewError(domain.CodeReservationExpired, "reservation %s is no longer pending", reservationID)
	}
	now := s.now()
	r.ExpiresAt = now.Add(ttl)
	r.UpdatedAt = now
	return nil
}

func (s *Store) Recalculate(_ context.Context, ownerID string) (*domain.StorageQuota, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotas[ownerID]
	if !ok {
		return nil, 0, domain.NewError(domain.CodeUserNotFound, "no storage quota for user %s", ownerID)
	}

	var used int64
	for _, f := range s.files {
		if f.OwnerID == ownerID {
			used += f.SizeBytes
		}
	}
	for _, r := range s.reservations {
		if r.OwnerID == ownerID && r.Status == domain.ReservationPending {
			used += r.Bytes
		}
	}

	drift := q.UsedBytes - used
	if drift != 0 {
		q.UsedBytes = used
		q.UpdatedAt = s.now()
	}
	cp := *q
	return &cp, drift, nil
}

func (s *Store) UpdateLimit(_ context.Context, ownerID string, limit int64) (*domain.StorageQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.ensureQuota(ownerID)
	if limit < q.UsedBytes {
		return nil, domain.NewError(domain.CodeValidation,
			"limit %d is below used storage %d", limit, q.UsedBytes)
	}
	q.TotalBytesLimit = limit
	q.UpdatedAt = s.now()

	cp := *q
	return &cp, nil
}

func (s *Store) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.Expired(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- каталог файлов ----

func (s *Store) ListFiles(_ context.Context, ownerID string, filter domain.FileFilter) ([]domain.PersonalFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(filter.Query)
	out := make([]domain.PersonalFile, 0)
	for _, f := range s.files {
		if f.OwnerID != ownerID {
			continue
		}
		switch {
		case filter.FolderID != nil:
			if f.FolderID == nil || *f.FolderID != *filter.FolderID {
				continue
			}
		case filter.RootOnly:
			if f.FolderID != nil {
				continue
			}
		}
		if filter.Type != "" && f.Type != filter.Type {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(f.Name), query) {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetFile(_ context.Context, id uuid.UUID) (*domain.PersonalFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[id]
	if !ok {
		return nil, domain.NewError(domain.CodeFileNotFound, "file %s not found", id)
	}
	cp := *f
	return &cp, nil
}

func (s *Store) FileByStorageKey(_ context.Context, key string) (*domain.PersonalFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keys[key]
	if !ok {
		return nil, domain.NewError(domain.CodeFileNotFound, "no file with storage key %s", key)
	}
	cp := *s.files[id]
	return &cp, nil
}

func (s *Store) CreateFile(_ context.Context, file *domain.PersonalFile, reservationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.pendingReservation(reservationID)
	if err != nil {
		return err
	}
	if r.Status != domain.ReservationPending {
		return domain.NewError(domain.CodeReservationExpired, "reservation %s is already committed", reservationID)
	}
	if r.OwnerID != file.OwnerID || r.Bytes != file.SizeBytes {
		return domain.NewError(domain.CodeValidation, "reservation %s does not match file", reservationID)
	}
	if _, exists := s.keys[file.StorageKey]; exists {
		return domain.NewError(domain.CodeValidation, "storage key %s already in use", file.StorageKey)
	}

	var folder *domain.FileFolder
	if file.FolderID != nil {
		if folder, err = s.ownedFolder(*file.FolderID, file.OwnerID); err != nil {
			return err
		}
	}

	now := s.now()
	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	if file.Version == 0 {
		file.Version = 1
	}
	file.CreatedAt = now
	file.UpdatedAt = now

	cp := *file
	s.files[file.ID] = &cp
	s.keys[file.StorageKey] = file.ID

	if folder != nil {
		folder.FilesCount++
		folder.TotalSize += file.SizeBytes
		folder.UpdatedAt = now
	}

	r.Status = domain.ReservationCommitted
	r.UpdatedAt = now
	return nil
}

func (s *Store) DeleteFile(_ context.Context, id uuid.UUID, ownerID string) (*domain.PersonalFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.ownedFile(id, ownerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	delete(s.files, id)
	delete(s.keys, f.StorageKey)

	if f.FolderID != nil {
		if folder, ok := s.folders[*f.FolderID]; ok {
			folder.FilesCount--
			folder.TotalSize -= f.SizeBytes
			folder.UpdatedAt = now
		}
	}
	if q, ok := s.quotas[ownerID]; ok {
		q.UsedBytes = max(q.UsedBytes-f.SizeBytes, 0)
		q.UpdatedAt = now
	}

	return f, nil
}

func (s *Store) ReplaceContent(_ context.Context, change domain.ContentChange) (*domain.ContentReplacement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.ownedFile(change.FileID, change.OwnerID)
	if err != nil {
		return nil, err
	}
	if f.Version != change.ExpectedVersion {
		return nil, domain.NewError(domain.CodeVersionConflict,
			"file %s is at version %d, expected %d", f.ID, f.Version, change.ExpectedVersion)
	}

	delta := change.SizeBytes - f.SizeBytes
	var r *domain.Reservation
	if delta > 0 {
		if change.ReservationID == nil {
			return nil, domain.NewError(domain.CodeValidation, "growing file %s requires a reservation", f.ID)
		}
		if r, err = s.pendingReservation(*change.ReservationID); err != nil {
			return nil, err
		}
		if r.Status != domain.ReservationPending || r.OwnerID != change.OwnerID || r.Bytes != delta {
			return nil, domain.NewError(domain.CodeValidation, "reservation %s does not match size change", r.ID)
		}
	}

	now := s.now()
	replacement := &domain.ContentReplacement{PreviousKey: f.StorageKey, PreviousSize: f.SizeBytes}

	delete(s.keys, f.StorageKey)
	f.SizeBytes = change.SizeBytes
	f.MIMEType = change.MIMEType
	f.Type = change.Type
	f.StorageKey = change.StorageKey
	f.Version++
	f.UpdatedAt = now
	s.files[f.ID] = f
	s.keys[f.StorageKey] = f.ID

	if f.FolderID != nil {
		if folder, ok := s.folders[*f.FolderID]; ok {
			folder.TotalSize += delta
			folder.UpdatedAt = now
		}
	}

	if r != nil {
		r.Status = domain.ReservationCommitted
		r.UpdatedAt = now
	} else if delta < 0 {
		if q, ok := s.quotas[change.OwnerID]; ok {
			q.UsedBytes = max(q.UsedBytes+delta, 0)
			q.UpdatedAt = now
		}
	}

	cp := *f
	replacement.File = &cp
	return replacement, nil
}

func (s *Store) RenameFile(_ context.Context, id uuid.UUID, ownerID string, expectedVersion int, name string) (*domain.PersonalFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.ownedFile(id, ownerID)
	if err != nil {
		return nil, err
	}
	if f.Version != expectedVersion {
		return nil, domain.NewError(domain.CodeVersionConflict,
			"file %s is at version %d, expected %d", f.ID, f.Version, expectedVersion)
	}

	f.Name = name
	f.Version++
	f.UpdatedAt = s.now()
	s.files[id] = f

	cp := *f
	return &cp, nil
}

func (s *Store) Usage(_ context.Context, ownerID string) (*domain.StorageUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u := domain.NewStorageUsage(ownerID)
	for _, f := range s.files {
		if f.OwnerID == ownerID {
			u.Add(f.Type, f.FolderID, 1, f.SizeBytes)
		}
	}
	return u, nil
}

// ownedFile возвращает копию строки файла после проверки владельца.
func (s *Store) ownedFile(id uuid.UUID, ownerID string) (*domain.PersonalFile, error) {
	f, ok := s.files[id]
	if !ok {
		return nil, domain.NewError(domain.CodeFileNotFound, "file %s not found", id)
	}
	if f.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodePermissionDenied, "file %s belongs to another user", id)
	}
	cp := *f
	return &cp, nil
}

// ---- папки ----

func (s *Store) ownedFolder(id uuid.UUID, ownerID string) (*domain.FileFolder, error) {
	folder, ok := s.folders[id]
	if !ok {
		return nil, domain.NewError(domain.CodeFileNotFound, "folder %s not found", id)
	}
	if folder.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodePermissionDenied, "folder %s belongs to another user", id)
	}
	return folder, nil
}

func (s *Store) CreateFolder(_ context.Context, folder *domain.FileFolder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentPath := "/"
	if folder.ParentID != nil {
		parent, err := s.ownedFolder(*folder.ParentID, folder.OwnerID)
		if err != nil {
			return err
		}
		parentPath = parent.Path
	}

	path := domain.ChildPath(parentPath, folder.Name)
	for _, f := range s.folders {
		if f.OwnerID == folder.OwnerID && f.Path == path {
			return domain.NewError(domain.CodeValidation, "folder %s already exists", path)
		}
	}

	s.ensureQuota(folder.OwnerID)

	now := s.now()
	if folder.ID == uuid.Nil {
		folder.ID = uuid.New()
	}
	folder.Path = path
	folder.FilesCount = 0
	folder.TotalSize = 0
	folder.CreatedAt = now
	folder.UpdatedAt = now

	cp := *folder
	s.folders[folder.ID] = &cp
	return nil
}

func (s *Store) GetFolder(_ context.Context, id uuid.UUID) (*domain.FileFolder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.folders[id]
	if !ok {
		return nil, domain.NewError(domain.CodeFileNotFound, "folder %s not found", id)
	}
	cp := *f
	return &cp, nil
}

func (s *Store) ListFolders(_ context.Context, ownerID string, filter domain.FolderFilter) ([]domain.FileFolder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.FileFolder, 0)
	for _, f := range s.folders {
		if f.OwnerID != ownerID {
			continue
		}
		if p := filter.ParentID; p != nil && (f.ParentID == nil || *f.ParentID != *p) {
			continue
		}
		if filter.RootOnly && filter.ParentID == nil && f.ParentID != nil {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Store) RenameFolder(_ context.Context, id uuid.UUID, ownerID, name string) (*domain.FileFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	folder, err := s.ownedFolder(id, ownerID)
	if err != nil {
		return nil, err
	}

	oldPath := folder.Path
	newPath := domain.ChildPath(domain.ParentPath(oldPath), name)
	if newPath == oldPath {
		cp := *folder
		return &cp, nil
	}
	for _, f := range s.folders {
		if f.OwnerID == ownerID && f.Path == newPath {
			return nil, domain.NewError(domain.CodeValidation, "folder %s already exists", newPath)
		}
	}

	now := s.now()
	for _, f := range s.folders {
		if f.OwnerID != ownerID {
			continue
		}
		if rebased := domain.RebasePath(f.Path, oldPath, newPath); rebased != f.Path {
			f.Path = rebased
			f.UpdatedAt = now
		}
	}
	folder.Name = name

	cp := *folder
	return &cp, nil
}

// ---- осиротевшие объекты ----

func (s *Store) EnqueueOrphan(_ context.Context, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orphans[key]; ok {
		return nil
	}
	s.orphans[key] = &domain.OrphanObject{StorageKey: key, Reason: reason, CreatedAt: s.now()}
	return nil
}

func (s *Store) ListOrphans(_ context.Context, limit int) ([]domain.OrphanObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.OrphanObject, 0, len(s.orphans))
	for _, o := range s.orphans {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkOrphanAttempt(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.orphans[key]; ok {
		now := s.now()
		o.Attempts++
		o.LastAttemptAt = &now
	}
	return nil
}

func (s *Store) RemoveOrphan(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.orphans, key)
	return nil
}
