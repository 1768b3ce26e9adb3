package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"edustorage/internal/auth"
	"edustorage/internal/domain"
	"edustorage/internal/service/localfs"
)

type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// AdminToken защищает смену лимита и ручную сверку
	AdminToken string
}

type Handlers struct {
	Files       *FileHandler
	Folders     *FolderHandler
	Quota       *StorageQuotaHandler
	Maintenance *MaintenanceHandler
	// Blobs задаётся только для локального бэкенда
	Blobs *BlobHandler
}

func NewRouter(cfg RouterConfig, h Handlers, logger *zap.Logger) http.Handler {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Maintenance.Health)
	r.Get("/metrics", h.Maintenance.Metrics)

	admin := auth.RequireToken(cfg.AdminToken, func(w http.ResponseWriter, r *http.Request, err error) {
		writeError(w, r, logger, domain.WrapError(domain.CodePermissionDenied, err, "admin token required"))
	})
	r.With(admin).Post("/maintenance/reconcile", h.Maintenance.Reconcile)

	r.Route("/storage", func(r chi.Router) {
		r.Get("/quota/{userId}", h.Quota.GetQuotaInfo)
		r.With(admin).Put("/quota/{userId}/limit", h.Quota.UpdateQuotaLimit)
		r.Get("/usage/{userId}", h.Files.GetUsage)
		r.Get("/overview/{userId}", h.Files.GetOverview)

		r.Route("/files", func(r chi.Router) {
			r.Get("/", h.Files.ListFiles)
			r.Post("/", h.Files.UploadFile)
			r.Post("/copy", h.Files.CopyFile)
			r.Post("/uploads/{reservationId}/complete", h.Files.CompleteUpload)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Files.GetFile)
				r.Patch("/", h.Files.RenameFile)
				r.Delete("/", h.Files.DeleteFile)
				r.Get("/download", h.Files.DownloadFile)
				r.Put("/content", h.Files.ReplaceContent)
			})
		})

		r.Route("/folders", func(r chi.Router) {
			r.Get("/", h.Folders.ListFolders)
			r.Post("/", h.Folders.CreateFolder)
			r.Get("/{id}", h.Folders.GetFolder)
			r.Patch("/{id}", h.Folders.RenameFolder)
		})
	})

	if h.Blobs != nil {
		r.Put(localfs.BlobsPath, h.Blobs.Put)
		r.Get(localfs.BlobsPath, h.Blobs.Get)
	}

	return r
}
