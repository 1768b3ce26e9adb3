package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"edustorage/internal/config"
	"edustorage/internal/course"
	"edustorage/internal/events"
	"edustorage/internal/handler"
	"edustorage/internal/repository"
	"edustorage/internal/repository/memory"
	"edustorage/internal/service"
	"edustorage/internal/service/blob"
	"edustorage/internal/service/localfs"
	"edustorage/internal/service/s3"
	"edustorage/internal/validation"
)

func main() {
	// .env необязателен, в контейнере всё приходит из окружения
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
	logger.Info("service stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.ReadinessCheck{}

	store, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		checks["database"] = db.PingContext
	}

	backend, blobs, err := openBackend(cfg)
	if err != nil {
		return err
	}
	logger.Info("storage backend ready", zap.String("provider", backend.Provider()))

	var publisher service.EventPublisher = events.Nop{}
	var broker *events.RabbitMQ
	if cfg.Events.URL != "" {
		broker = events.NewRabbitMQ(cfg.Events, logger)
		if err := broker.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		defer broker.Close()
		if err := broker.Init(); err != nil {
			return fmt.Errorf("failed to init rabbitmq: %w", err)
		}
		publisher = broker
	}

	opts := service.StorageOptions{
		PresignTTL:     cfg.Storage.PresignTTL,
		ReservationTTL: cfg.Quota.ReservationTTL,
		Retry:          service.RetryPolicy{Attempts: cfg.Storage.RetryAttempts, Backoff: cfg.Storage.RetryBackoff},
		DefaultQuota:   cfg.Quota.DefaultLimit,
		Writes:         service.NewWriteTracker(),
	}
	fileValidator := validation.New(cfg.Quota.Limits())
	courses := course.NewClient(cfg.Course, logger.Named("course"))

	quotaService := service.NewStorageQuotaService(store, logger)
	folderService := service.NewFolderService(store, logger)
	copyService := service.NewCopyService(store, backend, courses, fileValidator, publisher, opts, logger)
	fileService := service.NewFileService(store, backend, fileValidator, copyService, publisher, opts, logger)
	reconcileService := service.NewReconcileService(store, backend, publisher, opts, logger)

	requestValidator, err := handler.NewRequestValidator()
	if err != nil {
		return err
	}
	handlers := handler.Handlers{
		Files:       handler.NewFileHandler(fileService, requestValidator, cfg.Server.MaxUploadBytes, logger),
		Folders:     handler.NewFolderHandler(folderService, requestValidator, logger),
		Quota:       handler.NewStorageQuotaHandler(quotaService, requestValidator, logger),
		Maintenance: handler.NewMaintenanceHandler(reconcileService, checks, logger),
	}
	if blobs != nil {
		handlers.Blobs = handler.NewBlobHandler(blobs, fileService, logger)
	}
	if cfg.Server.AdminToken == "" {
		logger.Warn("admin token is not set, admin routes are unprotected")
	}

	router := handler.NewRouter(handler.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		AdminToken:     cfg.Server.AdminToken,
	}, handlers, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLogger(logger)))
	handler.RegisterQuotaServer(grpcServer, handler.NewQuotaGRPCHandler(quotaService, logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.QuotaServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen grpc port %s: %w", cfg.Server.GRPCPort, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Reconcile.Enabled {
		if err := reconcileService.Start(gctx, cfg.Reconcile.Schedule); err != nil {
			lis.Close()
			return fmt.Errorf("failed to schedule reconciliation: %w", err)
		}
		logger.Info("reconciliation scheduled", zap.String("schedule", cfg.Reconcile.Schedule))
	}

	g.Go(func() error {
		logger.Info("HTTP server starting", zap.String("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("gRPC server starting", zap.String("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if broker != nil {
		g.Go(func() error {
			broker.PublisherWorker(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		healthServer.Shutdown()
		if cfg.Reconcile.Enabled {
			reconcileService.Stop()
		}
		grpcServer.GracefulStop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (service.Store, *sqlx.DB, error) {
	if cfg.Catalog.Driver == config.CatalogMemory {
		logger.Warn("using in-memory catalog, data is lost on restart")
		return memory.NewStore(cfg.Quota.DefaultLimit), nil, nil
	}

	// Сначала ждём базу с повторами, потом мигрируем
	db, err := repository.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxOpenConns, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := repository.Migrate(cfg.Database.URL(), logger); err != nil {
		db.Close()
		return nil, nil, err
	}
	return repository.NewStore(db, cfg.Quota.DefaultLimit), db, nil
}

func openBackend(cfg *config.Config) (blob.Backend, *localfs.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendS3:
		client, err := s3.NewClient(&cfg.Storage.S3, cfg.Storage.PresignTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		return client, nil, nil
	default:
		store, err := localfs.New(localfs.Config{
			Root:       cfg.Storage.LocalDir,
			BaseURL:    cfg.Server.BaseURL,
			SigningKey: cfg.Storage.SigningKey,
			PresignTTL: cfg.Storage.PresignTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
}
