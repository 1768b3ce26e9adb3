package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edustorage/internal/domain"
	"edustorage/internal/service/blob"
	"edustorage/internal/validation"
)

const cleanupTimeout = 30 * time.Second

// RetryPolicy — повторы транзиентных ошибок хранилища с экспоненциальной паузой.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func (p RetryPolicy) do(ctx context.Context, op string, fn func() error) error {
	attempts := max(p.Attempts, 1)
	backoff := p.Backoff

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !blob.IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		backendRetriesTotal.WithLabelValues(op).Inc()
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// WriteTracker — резервы синхронных записей, идущих в этом процессе.
// Сверка их не трогает, даже если срок резерва по часам уже вышел.
type WriteTracker struct {
	mu  sync.Mutex
	ids map[uuid.UUID]int
}

func NewWriteTracker() *WriteTracker {
	return &WriteTracker{ids: make(map[uuid.UUID]int)}
}

func (t *WriteTracker) add(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids[id]++
}

func (t *WriteTracker) remove(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ids[id] <= 1 {
		delete(t.ids, id)
		return
	}
	t.ids[id]--
}

// Active сообщает, идёт ли запись под резервом id.
func (t *WriteTracker) Active(id uuid.UUID) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ids[id] > 0
}

// pipeline — общие шаги записи: резерв квоты, запись объекта, откат.
// Состояния: Requested → Validated → QuotaReserved → PhysicallyWritten → CatalogCommitted,
// из трёх средних возможен переход в RolledBack.
type pipeline struct {
	ledger  QuotaLedger
	files   FileCatalog
	orphans OrphanQueue
	backend blob.Backend
	retry   RetryPolicy
	writes  *WriteTracker
	// holdTTL — на сколько продлевается резерв идущей записи.
	holdTTL time.Duration
	logger  *zap.Logger
}

func (p *pipeline) reserve(ctx context.Context, req domain.ReservationRequest) (*domain.Reservation, error) {
	// Идентификатор владельца входит в ключ объекта
	if idErr := validation.ValidateOwnerID(req.OwnerID); idErr != nil {
		return nil, idErr
	}
	res, err := p.ledger.Reserve(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			reservationsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}
	reservationsTotal.WithLabelValues("reserved").Inc()
	return res, nil
}

// hold удерживает резерв синхронной записи: отмечает его в трекере и, пока
// запись идёт, продлевает срок каждые holdTTL/2. Возвращает функцию снятия.
func (p *pipeline) hold(ctx context.Context, res *domain.Reservation) func() {
	if res == nil || p.writes == nil {
		return func() {}
	}
	p.writes.add(res.ID)

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if p.holdTTL <= 0 {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(p.holdTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.ledger.ExtendReservation(ctx, res.ID, p.holdTTL); err != nil {
					if errors.Is(err, domain.ErrReservationExpired) {
						return
					}
					p.logger.Warn("failed to extend reservation",
						zap.String("reservation_id", res.ID.String()),
						zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
		p.writes.remove(res.ID)
	}
}

// put пишет объект. Повтор возможен только для позиционируемого тела.
func (p *pipeline) put(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	seeker, seekable := body.(io.Seeker)
	policy := p.retry
	if !seekable {
		policy.Attempts = 1
	}

	first := true
	err := policy.do(ctx, "put", func() error {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return blob.NewError("put", key, false, err)
			}
		}
		first = false
		return p.backend.PutObject(ctx, key, contentType, body, size)
	})
	return storageError(err)
}

func (p *pipeline) copyObject(ctx context.Context, srcKey, dstKey string) error {
	err := p.retry.do(ctx, "copy", func() error {
		return p.backend.CopyObject(ctx, srcKey, dstKey)
	})
	return storageError(err)
}

// abort откатывает резерв и удаляет, возможно, записанный объект.
// Выполняется даже после отмены контекста запроса. Объект остаётся на месте,
// если откат не удался или на ключ уже ссылается строка каталога.
func (p *pipeline) abort(ctx context.Context, res *domain.Reservation, key string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	released := true
	if res != nil {
		if err := p.ledger.Rollback(ctx, res.ID); err != nil {
			released = false
			p.logger.Error("failed to roll back reservation",
				zap.String("reservation_id", res.ID.String()),
				zap.NamedError("cause", cause),
				zap.Error(err))
		} else {
			reservationsTotal.WithLabelValues("rolled_back").Inc()
		}
	}
	if key != "" && released && !p.catalogued(ctx, key) {
		p.removeObject(ctx, key, "aborted write")
	}

	p.logger.Warn("write aborted", zap.String("storage_key", key), zap.Error(cause))
}

// catalogued сообщает, ссылается ли на ключ строка каталога. При ошибке чтения
// считаем, что ссылается: потерять байты лучше, чем удалить живой файл.
func (p *pipeline) catalogued(ctx context.Context, key string) bool {
	_, err := p.files.FileByStorageKey(ctx, key)
	if err == nil {
		return true
	}
	if errors.Is(err, domain.ErrFileNotFound) {
		return false
	}
	p.logger.Error("failed to look up storage key", zap.String("storage_key", key), zap.Error(err))
	return true
}

// removeObject удаляет объект, при неудаче ставит его в очередь дочистки.
func (p *pipeline) removeObject(ctx context.Context, key, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	err := p.retry.do(ctx, "delete", func() error {
		return p.backend.DeleteObject(ctx, key)
	})
	if err == nil {
		return
	}

	p.logger.Warn("failed to delete object, enqueueing orphan", zap.String("storage_key", key), zap.Error(err))
	if qErr := p.orphans.EnqueueOrphan(ctx, key, reason); qErr != nil {
		p.logger.Error("failed to enqueue orphan", zap.String("storage_key", key), zap.Error(qErr))
		return
	}
	orphansEnqueuedTotal.Inc()
}

// storageError переводит ошибку хранилища в доменную.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	var be *blob.BackendError
	if errors.As(err, &be) {
		return &domain.Error{
			Code:      domain.CodeStorageBackend,
			Message:   "storage " + be.Op + " failed",
			Transient: be.Transient,
			Err:       err,
		}
	}
	return domain.WrapError(domain.CodeStorageBackend, err, "storage operation failed")
}
