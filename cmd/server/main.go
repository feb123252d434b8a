package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commons-share/commons-backend/internal/bids"
	"github.com/commons-share/commons-backend/internal/carpack"
	"github.com/commons-share/commons-backend/internal/config"
	"github.com/commons-share/commons-backend/internal/handlers"
	"github.com/commons-share/commons-backend/internal/storage"
	"github.com/commons-share/commons-backend/internal/tracing"
	"github.com/commons-share/commons-backend/internal/workflows"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.Info("Starting Commons metadata service...")

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	logrus.WithFields(logrus.Fields{
		"service": cfg.ServiceName,
		"port":    cfg.ServicePort,
		"backend": cfg.RemoteBackend,
	}).Info("Configuration loaded")

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize tracer")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logrus.WithError(err).Error("Error shutting down tracer")
		}
	}()

	ctx := context.Background()

	logrus.Info("Connecting to MongoDB...")
	store, err := storage.NewMongoStore(ctx, cfg.MongoURL, cfg.MongoDatabase)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize MongoDB store")
	}
	defer store.Close(context.Background())
	logrus.Info("MongoDB store initialized")

	logrus.Info("Connecting to Redis...")
	cache, err := storage.NewChallengeCache(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.ChallengeTTL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize challenge cache")
	}
	defer cache.Close()
	logrus.Info("Challenge cache initialized")

	remote, err := newRemoteStorage(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize remote storage")
	}
	logrus.WithField("backend", cfg.RemoteBackend).Info("Remote storage initialized")

	var accounts workflows.Accounts
	var accountsClient *storage.AccountsStore
	if cfg.RequireAccount || cfg.AdminToken != "" {
		logrus.Info("Connecting to MySQL...")
		accountsClient, err = storage.NewAccountsStore(cfg.GetDSN())
		if err != nil {
			logrus.WithError(err).Fatal("Failed to initialize accounts store")
		}
		defer accountsClient.Close()
		logrus.Info("Accounts store initialized")
	}
	if cfg.RequireAccount {
		accounts = accountsClient
	}

	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		logrus.WithError(err).Fatal("Failed to create scratch directory")
	}

	packer := carpack.NewPacker()
	validator := bids.NewValidator()

	uploadWF := workflows.NewUploadWorkflow(store, remote, cache, packer, validator, accounts, cfg.ScratchDir, cfg.UploadAttempts, cfg.InsertAttempts)
	publishWF := workflows.NewPublishWorkflow(store, cfg.InsertAttempts)
	deleteWF := workflows.NewDeleteWorkflow(store, remote, packer, cfg.ScratchDir, cfg.UploadAttempts, 5)
	descriptionWF := workflows.NewDescriptionWorkflow(store, remote, packer, cfg.ScratchDir)

	initHandler := handlers.NewInitializeUploadHandler(cache)
	uploadHandler := handlers.NewUploadHandler(uploadWF, cfg.ScratchDir, cfg.GetMaxUploadSizeBytes())
	metadataHandler := handlers.NewMetadataHandler(store, publishWF, deleteWF)
	descriptionHandler := handlers.NewDescriptionHandler(descriptionWF)

	router := mux.NewRouter()
	router.HandleFunc("/health", handlers.HealthHandler).Methods("GET")

	router.Handle("/initializeUpload", otelhttp.NewHandler(initHandler, "GET /initializeUpload")).Methods("GET")
	router.Handle("/uploadToEstuary", otelhttp.NewHandler(uploadHandler, "POST /uploadToEstuary")).Methods("POST")
	router.Handle("/getDatasetDescription", otelhttp.NewHandler(descriptionHandler, "GET /getDatasetDescription")).Methods("GET")

	router.Handle("/metadata/datasets", otelhttp.NewHandler(http.HandlerFunc(metadataHandler.Datasets), "GET /metadata/datasets")).Methods("GET")
	router.Handle("/metadata/datasets/published", otelhttp.NewHandler(http.HandlerFunc(metadataHandler.PublishedDatasets), "GET /metadata/datasets/published")).Methods("GET")
	router.Handle("/metadata/datasets/published/byUploader", otelhttp.NewHandler(http.HandlerFunc(metadataHandler.PublishedByUploader), "GET /metadata/datasets/published/byUploader")).Methods("GET")
	router.Handle("/metadata/datasets/published/search", otelhttp.NewHandler(http.HandlerFunc(metadataHandler.Search), "GET /metadata/datasets/published/search")).Methods("GET")
	router.Handle("/metadata/datasets/publish", otelhttp.NewHandler(http.HandlerFunc(metadataHandler.Publish), "POST /metadata/datasets/publish")).Methods("POST")
	router.Handle("/metadata/chunks/published", otelhttp.NewHandler(http.HandlerFunc(metadataHandler.PublishedChunks), "GET /metadata/chunks/published")).Methods("GET")
	router.Handle("/metadata/files", otelhttp.NewHandler(http.HandlerFunc(metadataHandler.Files), "GET /metadata/files")).Methods("GET")
	router.Handle("/metadata/files", otelhttp.NewHandler(http.HandlerFunc(metadataHandler.DeleteFiles), "DELETE /metadata/files")).Methods("DELETE")
	router.Handle("/metadata/authors", otelhttp.NewHandler(http.HandlerFunc(metadataHandler.Authors), "GET /metadata/authors")).Methods("GET")

	if accountsClient != nil && cfg.AdminToken != "" {
		limitHandler := handlers.NewUploadLimitHandler(accountsClient, cfg.AdminToken)
		router.Handle("/userUploadLimit", otelhttp.NewHandler(limitHandler, "/userUploadLimit")).Methods("GET", "POST")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.WithField("port", cfg.ServicePort).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}
	logrus.Info("Server exited")
}

// newRemoteStorage selects the pinning backend from configuration.
func newRemoteStorage(cfg *config.Config) (workflows.RemoteStorage, error) {
	if cfg.RemoteBackend == "s3" {
		return storage.NewS3Storage(
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
		)
	}
	return storage.NewEstuaryClient(cfg.EstuaryAPIURL, cfg.IPFSGatewayURL, cfg.EstuaryAPIKey), nil
}
