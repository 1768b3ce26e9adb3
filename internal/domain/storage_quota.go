package domain

import "time"

const DefaultQuotaBytes int64 = 5368709120 // 5GB

type StorageQuota struct {
	ID              int64     `json:"-" db:"id"`
	OwnerID         string    `json:"userId" db:"owner_id"`
	TotalBytesLimit int64     `json:"totalQuota" db:"total_bytes_limit"`
	UsedBytes       int64     `json:"usedStorage" db:"used_bytes"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
}

func (q *StorageQuota) AvailableBytes() int64 {
	return q.TotalBytesLimit - q.UsedBytes
}

func (q *StorageQuota) PercentageUsed() float64 {
	if q.TotalBytesLimit <= 0 {
		return 100
	}
	return float64(q.UsedBytes) / float64(q.TotalBytesLimit) * 100
}

func (q *StorageQuota) CanFit(bytes int64) bool {
	return bytes <= q.AvailableBytes()
}

// QuotaInfo — снимок квоты для клиентов, available и percentage производные.
type QuotaInfo struct {
	UserID           string    `json:"userId"`
	TotalQuota       int64     `json:"totalQuota"`
	UsedStorage      int64     `json:"usedStorage"`
	AvailableStorage int64     `json:"availableStorage"`
	PercentageUsed   float64   `json:"percentageUsed"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ExceededBy — отказ в резерве bytes с остатком квоты в подробностях.
func (q *StorageQuota) ExceededBy(bytes int64) *Error {
	return NewError(CodeQuotaExceeded, "need %d bytes, %d available", bytes, q.AvailableBytes()).
		WithDetail("required", bytes).
		WithDetail("available", q.AvailableBytes()).
		WithDetail("limit", q.TotalBytesLimit)
}

func (q *StorageQuota) Info() *QuotaInfo {
	return &QuotaInfo{
		UserID:           q.OwnerID,
		TotalQuota:       q.TotalBytesLimit,
		UsedStorage:      q.UsedBytes,
		AvailableStorage: q.AvailableBytes(),
		PercentageUsed:   q.PercentageUsed(),
		CreatedAt:        q.CreatedAt,
		UpdatedAt:        q.UpdatedAt,
	}
}
