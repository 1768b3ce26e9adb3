package service

import (
	"context"

	"go.uber.org/zap"

	"edustorage/internal/domain"
	"edustorage/internal/validation"
)

type StorageQuotaService struct {
	ledger QuotaLedger
	logger *zap.Logger
}

func NewStorageQuotaService(ledger QuotaLedger, logger *zap.Logger) *StorageQuotaService {
	return &StorageQuotaService{
		ledger: ledger,
		logger: logger.Named("quota"),
	}
}

// GetQuotaInfo возвращает снимок квоты. С recalculate used_bytes
// предварительно сверяется с каталогом.
func (s *StorageQuotaService) GetQuotaInfo(ctx context.Context, ownerID string, recalculate bool) (*domain.QuotaInfo, error) {
	if idErr := validation.ValidateOwnerID(ownerID); idErr != nil {
		return nil, idErr
	}
	if !recalculate {
		quota, err := s.ledger.GetQuota(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		return quota.Info(), nil
	}

	quota, drift, err := s.ledger.Recalculate(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	reportDrift(s.logger, ownerID, drift)
	return quota.Info(), nil
}

func (s *StorageQuotaService) UpdateQuotaLimit(ctx context.Context, ownerID string, newLimit int64) (*domain.QuotaInfo, error) {
	if idErr := validation.ValidateOwnerID(ownerID); idErr != nil {
		return nil, idErr
	}
	if newLimit < 0 {
		return nil, domain.NewError(domain.CodeValidation, "quota limit cannot be negative")
	}

	quota, err := s.ledger.UpdateLimit(ctx, ownerID, newLimit)
	if err != nil {
		return nil, err
	}

	s.logger.Info("quota limit updated", zap.String("user_id", ownerID), zap.Int64("limit", newLimit))
	return quota.Info(), nil
}

func reportDrift(logger *zap.Logger, ownerID string, drift int64) {
	if drift == 0 {
		return
	}
	if drift < 0 {
		quotaDriftBytesTotal.Add(float64(-drift))
	} else {
		quotaDriftBytesTotal.Add(float64(drift))
	}
	logger.Warn("quota drift corrected", zap.String("user_id", ownerID), zap.Int64("drift", drift))
}
