package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/patient-portal/cmd/mainconfig"
	"github.com/wolfman30/patient-portal/internal/api/router"
	"github.com/wolfman30/patient-portal/internal/app/bootstrap"
	"github.com/wolfman30/patient-portal/internal/assistant"
	"github.com/wolfman30/patient-portal/internal/changequeue"
	appconfig "github.com/wolfman30/patient-portal/internal/config"
	"github.com/wolfman30/patient-portal/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/patient-portal/internal/http/middleware"
	"github.com/wolfman30/patient-portal/internal/observability/metrics"
	"github.com/wolfman30/patient-portal/internal/remote/s3blob"
	"github.com/wolfman30/patient-portal/internal/session"
	"github.com/wolfman30/patient-portal/internal/syncengine"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

const (
	writeRatePerSecond = 1
	writeBurst         = 5
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting patient portal sync server",
		"env", cfg.Env,
		"port", cfg.Port,
	)
	if cfg.SessionJWTSecret == "" {
		logger.Warn("SESSION_JWT_SECRET not set, sign-in is disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var blobClient s3blob.S3API
	if cfg.FilesBucket != "" && !cfg.UseMemoryRemote {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		blobClient = mainconfig.NewS3Client(awsCfg, cfg)
	}

	store, err := bootstrap.BuildRemote(ctx, cfg, blobClient, logger)
	if err != nil {
		logger.Error("failed to build store of record", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("store of record ready", "kind", store.Kind)

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engineCfg := syncengine.Config{
		Remote: store.Adapter,
		Queue: changequeue.New().
			WithMaxAttempts(cfg.SyncMaxAttempts).
			WithBackoff(cfg.SyncBackoffBase, cfg.SyncBackoffCap),
		Metrics:       metrics.NewSyncMetrics(reg),
		Logger:        logger.Component("syncengine"),
		Interval:      cfg.SyncInterval,
		CallTimeout:   cfg.SyncCallTimeout,
		CheckVersions: cfg.SyncCheckVersions,
	}
	if snapshots := bootstrap.BuildSnapshotCache(redisClient, cfg); snapshots != nil {
		engineCfg.Cache = snapshots
	}
	engine, err := syncengine.New(engineCfg)
	if err != nil {
		logger.Error("failed to build sync engine", "error", err)
		os.Exit(1)
	}

	sessions := session.NewManager(session.NewVerifier(cfg.SessionJWTSecret), logger.Component("session"))
	sessions.OnChange(func(ctx context.Context, id session.Identity) {
		engine.SetIdentity(ctx, syncengine.Identity{UserID: id.UserID, Email: id.Email})
	})

	bot := assistant.New(logger.Component("assistant")).WithDelay(cfg.AssistantReplyDelay)
	chat := assistant.NewChat(bot, engine, logger.Component("chat"))

	r := router.New(&router.Config{
		Logger:             logger,
		Authorizer:         sessions,
		Session:            handlers.NewSessionHandler(sessions, engine, logger),
		Entities:           handlers.NewEntityHandler(engine, logger),
		Files:              handlers.NewFileHandler(engine, cfg.FilesMaxBytes, logger),
		Chat:               handlers.NewChatHandler(chat, logger),
		Dashboard:          handlers.NewDashboardHandler(engine, logger),
		Changes:            handlers.NewChangeHandler(engine, logger),
		Stream:             handlers.NewStreamHandler(engine, logger),
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WriteLimiter:       httpmiddleware.NewRateLimiter(writeRatePerSecond, writeBurst),
	})

	go engine.Run(ctx)

	// WriteTimeout stays unset so the snapshot stream can outlive it.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server exited")
}
