package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"edustorage/internal/domain"
)

const (
	quotaColumns       = `id, owner_id, total_bytes_limit, used_bytes, created_at, updated_at`
	reservationColumns = `id, owner_id, bytes, storage_key, status, intent, expires_at, created_at, updated_at`
)

// StorageQuotaRepository — журнал квот. Операции пользователя сериализуются
// блокировкой строки storage_quotas (SELECT ... FOR UPDATE).
type StorageQuotaRepository struct {
	db           *sqlx.DB
	defaultLimit int64
}

func NewStorageQuotaRepository(db *sqlx.DB, defaultLimit int64) *StorageQuotaRepository {
	if defaultLimit <= 0 {
		defaultLimit = domain.DefaultQuotaBytes
	}
	return &StorageQuotaRepository{db: db, defaultLimit: defaultLimit}
}

func (r *StorageQuotaRepository) GetQuota(ctx context.Context, ownerID string) (*domain.StorageQuota, error) {
	var quota domain.StorageQuota

	err := r.db.GetContext(ctx, &quota,
		`SELECT `+quotaColumns+` FROM storage_quotas WHERE owner_id = $1`,
		ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeUserNotFound, "no storage quota for user %s", ownerID)
		}
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	return &quota, nil
}

func (r *StorageQuotaRepository) Reserve(ctx context.Context, req domain.ReservationRequest) (*domain.Reservation, error) {
	if req.Bytes < 0 {
		return nil, domain.NewError(domain.CodeValidation, "reservation size must not be negative")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureQuota(ctx, tx, req.OwnerID, r.defaultLimit); err != nil {
		return nil, err
	}
	quota, err := lockQuota(ctx, tx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if !quota.CanFit(req.Bytes) {
		return nil, quota.ExceededBy(req.Bytes)
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE storage_quotas
        SET used_bytes = used_bytes + $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2`,
		req.Bytes, req.OwnerID); err != nil {
		return nil, fmt.Errorf("failed to update used space: %w", err)
	}

	res := &domain.Reservation{
		ID:         uuid.New(),
		OwnerID:    req.OwnerID,
		Bytes:      req.Bytes,
		StorageKey: req.StorageKey,
		Status:     domain.ReservationPending,
		Intent:     req.Intent,
		ExpiresAt:  time.Now().UTC().Add(req.TTL),
	}

	err = tx.QueryRowContext(ctx, `
        INSERT INTO quota_reservations (id, owner_id, bytes, storage_key, status, intent, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING created_at, updated_at`,
		res.ID, res.OwnerID, res.Bytes, res.StorageKey, res.Status, res.Intent, res.ExpiresAt,
	).Scan(&res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return res, nil
}

func (r *StorageQuotaRepository) Commit(ctx context.Context, reservationID uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	switch res.Status {
	case domain.ReservationCommitted:
		return nil
	case domain.ReservationRolledBack:
		return domain.NewError(domain.CodeReservationExpired, "reservation %s was rolled back", reservationID)
	}

	if err := markReservation(ctx, tx, reservationID, domain.ReservationCommitted); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *StorageQuotaRepository) Rollback(ctx context.Context, reservationID uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	switch res.Status {
	case domain.ReservationRolledBack:
		return nil
	case domain.ReservationCommitted:
		return domain.NewError(domain.CodeReservationExpired, "reservation %s is already committed", reservationID)
	}

	if err := adjustUsed(ctx, tx, res.OwnerID, -res.Bytes); err != nil {
		return err
	}
	if err := markReservation(ctx, tx, reservationID, domain.ReservationRolledBack); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *StorageQuotaRepository) GetReservation(ctx context.Context, reservationID uuid.UUID) (*domain.Reservation, error) {
	var res domain.Reservation

	err := r.db.GetContext(ctx, &res,
		`SELECT `+reservationColumns+` FROM quota_reservations WHERE id = $1`,
		reservationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeFileNotFound, "reservation %s not found", reservationID)
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return &res, nil
}

// ReservationByKey возвращает последний резерв на ключ хранилища.
func (r *StorageQuotaRepository) ReservationByKey(ctx context.Context, key string) (*domain.Reservation, error) {
	var res domain.Reservation

	err := r.db.GetContext(ctx, &res, `
        SELECT `+reservationColumns+`
        FROM quota_reservations
        WHERE storage_key = $1
        ORDER BY created_at DESC
        LIMIT 1`,
		key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeFileNotFound, "no reservation for key %s", key)
		}
		return nil, fmt.Errorf("failed to get reservation by key: %w", err)
	}
	return &res, nil
}

// ExtendReservation сдвигает срок незавершённого резерва на ttl от текущего момента.
func (r *StorageQuotaRepository) ExtendReservation(ctx context.Context, reservationID uuid.UUID, ttl time.Duration) error {
	result, err := r.db.ExecContext(ctx, `
        UPDATE quota_reservations
        SET expires_at = $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $2 AND status = 'pending'`,
		time.Now().UTC().Add(ttl), reservationID)
	if err != nil {
		return fmt.Errorf("failed to extend reservation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return domain.NewError(domain.CodeReservationExpired, "reservation %s is no longer pending", reservationID)
	}
	return nil
}

// Recalculate пересчитывает used_bytes как сумму файлов и незавершённых резервов.
func (r *StorageQuotaRepository) Recalculate(ctx context.Context, ownerID string) (*domain.StorageQuota, int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	quota, err := lockQuota(ctx, tx, ownerID)
	if err != nil {
		return nil, 0, err
	}

	var used int64
	err = tx.QueryRowContext(ctx, `
        SELECT
            COALESCE((SELECT SUM(size_bytes) FROM personal_files WHERE owner_id = $1), 0) +
            COALESCE((SELECT SUM(bytes) FROM quota_reservations WHERE owner_id = $1 AND status = 'pending'), 0)`,
		ownerID).Scan(&used)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to calculate used space: %w", err)
	}

	drift := quota.UsedBytes - used
	if drift != 0 {
		err = tx.QueryRowContext(ctx, `
            UPDATE storage_quotas
            SET used_bytes = $1,
                updated_at = CURRENT_TIMESTAMP
            WHERE owner_id = $2
            RETURNING used_bytes, updated_at`,
			used, ownerID).Scan(&quota.UsedBytes, &quota.UpdatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to update used space: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit recalculation: %w", err)
	}
	return quota, drift, nil
}

func (r *StorageQuotaRepository) UpdateLimit(ctx context.Context, ownerID string, limit int64) (*domain.StorageQuota, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureQuota(ctx, tx, ownerID, r.defaultLimit); err != nil {
		return nil, err
	}
	quota, err := lockQuota(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}
	if limit < quota.UsedBytes {
		return nil, domain.NewError(domain.CodeValidation,
			"limit %d is below used storage %d", limit, quota.UsedBytes)
	}

	err = tx.QueryRowContext(ctx, `
        UPDATE storage_quotas
        SET total_bytes_limit = $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2
        RETURNING total_bytes_limit, updated_at`,
		limit, ownerID).Scan(&quota.TotalBytesLimit, &quota.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update quota limit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit quota limit: %w", err)
	}
	return quota, nil
}

func (r *StorageQuotaRepository) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	reservations := make([]domain.Reservation, 0)

	err := r.db.SelectContext(ctx, &reservations, `
        SELECT `+reservationColumns+`
        FROM quota_reservations
        WHERE status = 'pending' AND expires_at < $1
        ORDER BY expires_at
        LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", err)
	}
	return reservations, nil
}

// ensureQuota лениво создаёт строку квоты с лимитом по умолчанию.
func ensureQuota(ctx context.Context, tx *sqlx.Tx, ownerID string, limit int64) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO storage_quotas (owner_id, total_bytes_limit, used_bytes)
        VALUES ($1, $2, 0)
        ON CONFLICT (owner_id) DO NOTHING`,
		ownerID, limit)
	if err != nil {
		return fmt.Errorf("failed to create quota: %w", err)
	}
	return nil
}

func lockQuota(ctx context.Context, tx *sqlx.Tx, ownerID string) (*domain.StorageQuota, error) {
	var quota domain.StorageQuota

	err := tx.GetContext(ctx, &quota,
		`SELECT `+quotaColumns+` FROM storage_quotas WHERE owner_id = $1 FOR UPDATE`,
		ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeUserNotFound, "no storage quota for user %s", ownerID)
		}
		return nil, fmt.Errorf("failed to lock quota: %w", err)
	}
	return &quota, nil
}

func lockReservation(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Reservation, error) {
	var res domain.Reservation

	err := tx.GetContext(ctx, &res,
		`SELECT `+reservationColumns+` FROM quota_reservations WHERE id = $1 FOR UPDATE`,
		id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeFileNotFound, "reservation %s not found", id)
		}
		return nil, fmt.Errorf("failed to lock reservation: %w", err)
	}
	return &res, nil
}

func markReservation(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.ReservationStatus) error {
	_, err := tx.ExecContext(ctx, `
        UPDATE quota_reservations
        SET status = $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $2`,
		status, id)
	if err != nil {
		return fmt.Errorf("failed to update reservation status: %w", err)
	}
	return nil
}

// adjustUsed меняет used_bytes на delta, не опускаясь ниже нуля.
func adjustUsed(ctx context.Context, tx *sqlx.Tx, ownerID string, delta int64) error {
	_, err := tx.ExecContext(ctx, `
        UPDATE storage_quotas
        SET used_bytes = GREATEST(0, used_bytes + $1),
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2`,
		delta, ownerID)
	if err != nil {
		return fmt.Errorf("failed to update used space: %w", err)
	}
	return nil
}
