package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/soulstream/backend/internal/api"
	"github.com/soulstream/backend/internal/config"
	"github.com/soulstream/backend/internal/db"
	"github.com/soulstream/backend/internal/deadletter"
	"github.com/soulstream/backend/internal/health"
	"github.com/soulstream/backend/internal/hydrator"
	"github.com/soulstream/backend/internal/journal"
	"github.com/soulstream/backend/internal/logger"
	"github.com/soulstream/backend/internal/monitor"
	"github.com/soulstream/backend/internal/peer"
	"github.com/soulstream/backend/internal/recovery"
	"github.com/soulstream/backend/internal/storage"
	"github.com/soulstream/backend/internal/transfer"
	"github.com/soulstream/backend/internal/verify"
	"github.com/soulstream/backend/internal/ws"
)

const version = "1.0.0"

func main() {
	// A missing .env is fine; env vars and defaults cover everything.
	godotenv.Load()

	cfg := config.Load()
	ctx := context.Background()

	log := logger.New(os.Stdout, logger.ParseLevel(cfg.LogLevel), "")
	logger.SetDefault(log)
	mainLog := log.WithComponent("main")

	database, err := db.New(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
	if err != nil {
		mainLog.Error(ctx, "failed to connect to database", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		mainLog.Error(ctx, "failed to run migrations", err)
		os.Exit(1)
	}

	journalStore := journal.NewStore(database)
	trackRepo := db.NewTrackRepository(database)

	deadLetters, err := deadletter.NewWriter(cfg.DataDir)
	if err != nil {
		mainLog.Error(ctx, "failed to create dead letter writer", err)
		os.Exit(1)
	}

	// Archive storage is optional: a dead bucket degrades archival, not
	// downloads.
	var archive *storage.Client
	archive, err = storage.New(&storage.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		mainLog.Warn(ctx, "archive storage unavailable", map[string]interface{}{
			"error": err.Error(),
		})
		archive = nil
	} else if err := archive.EnsureBucket(ctx); err != nil {
		mainLog.Warn(ctx, "archive bucket unavailable", map[string]interface{}{
			"error": err.Error(),
		})
		archive = nil
	}

	mbClient := hydrator.NewClient()
	enricher := hydrator.New(mbClient, trackRepo, journalStore)

	manager, err := transfer.NewManager(&transfer.ManagerConfig{
		RedisURL:    cfg.RedisURL,
		WorkerCount: cfg.WorkerCount,
		MaxRetries:  cfg.MaxRetries,
		DownloadDir: filepath.Join(cfg.DataDir, "downloads"),
		Journal:     journalStore,
		Tracks:      trackRepo,
		Archive:     archive,
		Enricher:    enricher,
		Downloader:  peer.NewDownloader(),
	})
	if err != nil {
		mainLog.Error(ctx, "failed to create transfer manager", err)
		os.Exit(1)
	}

	// Startup recovery sweep: off the interactive path, with its own error
	// boundary. The HTTP server comes up while this runs.
	var sweepStats atomic.Pointer[recovery.Stats]
	go func() {
		defer func() {
			if r := recover(); r != nil {
				mainLog.Error(ctx, "recovery sweep panicked", nil, map[string]interface{}{
					"panic": r,
				})
			}
		}()

		sweeper := recovery.NewSweeper(journalStore, verify.NewVerifier(), deadLetters)
		stats, err := sweeper.Run(ctx)
		if err != nil {
			mainLog.Error(ctx, "recovery sweep failed", err)
			return
		}
		sweepStats.Store(&stats)
	}()

	manager.Start()

	stallMonitor := monitor.New(manager, cfg.MonitorInterval)
	stallMonitor.Start()

	// Long-lived processes prune on a schedule too, not just at startup.
	scheduler := cron.New()
	scheduler.AddFunc("@daily", func() {
		if n, err := journalStore.PruneStale(context.Background(), recovery.StaleAge); err != nil {
			mainLog.Error(context.Background(), "scheduled checkpoint prune failed", err)
		} else if n > 0 {
			mainLog.Info(context.Background(), "scheduled checkpoint prune", map[string]interface{}{
				"pruned": n,
			})
		}
	})
	scheduler.Start()

	hub := ws.NewHub()
	go hub.Run()

	feedCtx, stopFeed := context.WithCancel(ctx)
	go ws.NewFeed(hub, manager.Queue()).Run(feedCtx)

	var storageCheck func(ctx context.Context) error
	if archive != nil {
		storageCheck = archive.HealthCheck
	}
	checker := health.NewChecker(&health.CheckerConfig{
		DB:           database.DB,
		Redis:        manager.Queue().Client(),
		StorageCheck: storageCheck,
		Version:      version,
	})

	router := api.NewRouter(
		api.NewDownloadHandlers(manager, stallMonitor, sweepStats.Load),
		api.NewLibraryHandlers(trackRepo),
		health.NewHandler(checker),
		hub,
	)

	server := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	go func() {
		mainLog.Info(ctx, "server starting", map[string]interface{}{
			"addr": cfg.ServerAddr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLog.Error(ctx, "server failed", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	mainLog.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	scheduler.Stop()
	stopFeed()

	if err := stallMonitor.Stop(shutdownCtx); err != nil {
		mainLog.Error(ctx, "stall monitor shutdown error", err)
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		mainLog.Error(ctx, "transfer manager shutdown error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		mainLog.Error(ctx, "http server shutdown error", err)
	}
}
