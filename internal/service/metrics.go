package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_uploads_total",
		Help: "Загрузки файлов по режиму и результату",
	}, []string{"mode", "result"})

	copiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_copies_total",
		Help: "Создание личных копий по результату",
	}, []string{"result"})

	deletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_deletes_total",
		Help: "Удаления файлов по результату",
	}, []string{"result"})

	reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_reservations_total",
		Help: "Резервы квоты по исходу: reserved, rejected, rolled_back",
	}, []string{"outcome"})

	backendRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_backend_retries_total",
		Help: "Повторы операций хранилища после транзиентных ошибок",
	}, []string{"op"})

	orphansEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storage_orphans_enqueued_total",
		Help: "Объекты, поставленные в очередь на дочистку",
	})

	quotaDriftBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storage_quota_drift_bytes_total",
		Help: "Суммарное расхождение used_bytes, исправленное пересчётом",
	})

	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storage_reconcile_runs_total",
		Help: "Количество запусков сверки",
	})

	reconcileReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storage_reconcile_released_total",
		Help: "Просроченные резервы, откатанные сверкой",
	})

	reconcileCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storage_reconcile_committed_total",
		Help: "Резервы, подтверждённые сверкой по строке каталога",
	})

	reconcileOrphansRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storage_reconcile_orphans_removed_total",
		Help: "Осиротевшие объекты, удалённые сверкой",
	})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storage_reconcile_duration_seconds",
		Help:    "Длительность сверки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
