package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"edustorage/internal/domain"
	"edustorage/internal/service"
)

type Reconciler interface {
	RunOnce(ctx context.Context) (*service.ReconcileResult, bool)
}

// ReadinessCheck — проверка доступности зависимости (БД, брокер).
type ReadinessCheck func(ctx context.Context) error

type MaintenanceHandler struct {
	reconciler  Reconciler
	checks      map[string]ReadinessCheck
	promHandler http.Handler
	logger      *zap.Logger
}

func NewMaintenanceHandler(reconciler Reconciler, checks map[string]ReadinessCheck, logger *zap.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		reconciler:  reconciler,
		checks:      checks,
		promHandler: promhttp.Handler(),
		logger:      logger,
	}
}

// Reconcile запускает сверку синхронно. Если она уже идёт, ответ 409.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, inProgress := h.reconciler.RunOnce(r.Context())
	if inProgress {
		writeError(w, r, h.logger, domain.NewError(domain.CodeReconcileInProgress, "reconciliation is already running"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func (h *MaintenanceHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Timestamp: time.Now().UTC(), Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			resp.Checks[name] = "fail"
			resp.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func (h *MaintenanceHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}
