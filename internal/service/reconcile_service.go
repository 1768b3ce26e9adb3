package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"edustorage/internal/domain"
	"edustorage/internal/events"
	"edustorage/internal/service/blob"
)

const defaultReconcileBatch = 500

// ReconcileResult — итог одного прохода сверки.
type ReconcileResult struct {
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
	Released       int       `json:"released"`
	Committed      int       `json:"committed"`
	InFlight       int       `json:"inFlight"`
	OrphansRemoved int       `json:"orphansRemoved"`
	OrphansFailed  int       `json:"orphansFailed"`
	DriftBytes     int64     `json:"driftBytes"`
	Errors         int       `json:"errors"`
}

// ReconcileService освобождает просроченные резервы (брошенные загрузки по
// pre-signed URL) и дочищает осиротевшие объекты.
type ReconcileService struct {
	pipeline
	store     Store
	events    EventPublisher
	batchSize int
	now       func() time.Time

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cron      *cron.Cron
}

func NewReconcileService(
	store Store,
	backend blob.Backend,
	publisher EventPublisher,
	opts StorageOptions,
	logger *zap.Logger,
) *ReconcileService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	opts = opts.withDefaults()

	return &ReconcileService{
		pipeline: pipeline{
			ledger:  store,
			files:   store,
			orphans: store,
			backend: backend,
			retry:   opts.Retry,
			writes:  opts.Writes,
			logger:  logger.Named("reconcile"),
		},
		store:     store,
		events:    publisher,
		batchSize: defaultReconcileBatch,
		now:       time.Now,
	}
}

// Start ставит сверку в расписание cron, например "@every 1m".
func (rs *ReconcileService) Start(ctx context.Context, schedule string) error {
	rs.cron = cron.New()
	_, err := rs.cron.AddFunc(schedule, func() {
		rs.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	rs.cron.Start()

	rs.logger.Info("reconciler started", zap.String("schedule", schedule))
	return nil
}

// Stop дожидается завершения текущего прохода.
func (rs *ReconcileService) Stop() {
	if rs.cron == nil {
		return
	}
	<-rs.cron.Stop().Done()
	rs.logger.Info("reconciler stopped")
}

func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

// RunOnce выполняет один проход. Если проход уже идёт, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("reconcile already in progress, skipping")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	result := &ReconcileResult{StartedAt: rs.now().UTC()}
	touched := make(map[string]struct{})

	rs.settleReservations(ctx, result, touched)
	rs.retryOrphans(ctx, result)

	for ownerID := range touched {
		_, drift, err := rs.store.Recalculate(ctx, ownerID)
		if err != nil {
			result.Errors++
			rs.logger.Error("failed to recalculate quota", zap.String("user_id", ownerID), zap.Error(err))
			continue
		}
		reportDrift(rs.logger, ownerID, drift)
		if drift < 0 {
			drift = -drift
		}
		result.DriftBytes += drift
	}

	result.CompletedAt = rs.now().UTC()
	duration := result.CompletedAt.Sub(result.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	reconcileReleasedTotal.Add(float64(result.Released))
	reconcileCommittedTotal.Add(float64(result.Committed))
	reconcileOrphansRemovedTotal.Add(float64(result.OrphansRemoved))

	rs.logger.Info("reconcile finished",
		zap.Int("released", result.Released),
		zap.Int("committed", result.Committed),
		zap.Int("in_flight", result.InFlight),
		zap.Int("orphans_removed", result.OrphansRemoved),
		zap.Int("orphans_failed", result.OrphansFailed),
		zap.Int("errors", result.Errors),
		zap.Duration("duration", duration))
	return result, false
}

// settleReservations подтверждает просроченные резервы, на ключ которых уже
// есть строка каталога, остальные откатывает вместе с объектом.
func (rs *ReconcileService) settleReservations(ctx context.Context, result *ReconcileResult, touched map[string]struct{}) {
	expired, err := rs.store.ExpiredReservations(ctx, rs.now(), rs.batchSize)
	if err != nil {
		result.Errors++
		rs.logger.Error("failed to list expired reservations", zap.Error(err))
		return
	}

	for i := range expired {
		r := &expired[i]
		if ctx.Err() != nil {
			return
		}
		// Синхронная запись ещё идёт, её резерв продлевается сам
		if rs.writes.Active(r.ID) {
			result.InFlight++
			continue
		}

		file, err := rs.store.FileByStorageKey(ctx, r.StorageKey)
		switch {
		case err == nil && file.OwnerID == r.OwnerID:
			if err := rs.store.Commit(ctx, r.ID); err != nil && !errors.Is(err, domain.ErrReservationExpired) {
				result.Errors++
				rs.logger.Error("failed to commit reservation", zap.String("reservation_id", r.ID.String()), zap.Error(err))
				continue
			}
			result.Committed++
			touched[r.OwnerID] = struct{}{}
			continue
		case err != nil && !errors.Is(err, domain.ErrFileNotFound):
			result.Errors++
			rs.logger.Error("failed to look up storage key", zap.String("storage_key", r.StorageKey), zap.Error(err))
			continue
		}

		if err := rs.store.Rollback(ctx, r.ID); err != nil {
			// Резерв успели подтвердить между выборкой и откатом
			if !errors.Is(err, domain.ErrReservationExpired) {
				result.Errors++
				rs.logger.Error("failed to release reservation", zap.String("reservation_id", r.ID.String()), zap.Error(err))
			}
			continue
		}
		result.Released++
		touched[r.OwnerID] = struct{}{}

		rs.removeObject(ctx, r.StorageKey, "expired reservation")

		rs.logger.Info("expired reservation released",
			zap.String("reservation_id", r.ID.String()),
			zap.String("user_id", r.OwnerID),
			zap.Int64("bytes", r.Bytes))

		e := events.New(events.ReservationReleased, r.OwnerID)
		e.StorageKey = r.StorageKey
		e.Size = r.Bytes
		rs.events.Publish(e)
	}
}

func (rs *ReconcileService) retryOrphans(ctx context.Context, result *ReconcileResult) {
	orphans, err := rs.store.ListOrphans(ctx, rs.batchSize)
	if err != nil {
		result.Errors++
		rs.logger.Error("failed to list orphans", zap.Error(err))
		return
	}

	for _, o := range orphans {
		if ctx.Err() != nil {
			return
		}

		// Ключ снова принадлежит файлу, объект трогать нельзя
		if rs.catalogued(ctx, o.StorageKey) {
			if err := rs.store.RemoveOrphan(ctx, o.StorageKey); err != nil {
				result.Errors++
			}
			continue
		}

		err := rs.retry.do(ctx, "delete", func() error {
			return rs.backend.DeleteObject(ctx, o.StorageKey)
		})
		if err != nil {
			result.OrphansFailed++
			rs.logger.Warn("failed to delete orphan",
				zap.String("storage_key", o.StorageKey),
				zap.Int("attempts", o.Attempts+1),
				zap.Error(err))
			if markErr := rs.store.MarkOrphanAttempt(ctx, o.StorageKey); markErr != nil {
				result.Errors++
			}
			continue
		}

		if err := rs.store.RemoveOrphan(ctx, o.StorageKey); err != nil {
			result.Errors++
			rs.logger.Error("failed to remove orphan", zap.String("storage_key", o.StorageKey), zap.Error(err))
			continue
		}
		result.OrphansRemoved++
	}
}
