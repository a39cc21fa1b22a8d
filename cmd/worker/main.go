// Package main provides a headless worker entry point: the queue-draining
// pool, the demographics sub-pipeline, and the scheduler ticks without the
// HTTP surface.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/insight-sync/internal/config"
	"github.com/insight-sync/internal/logging"
	"github.com/insight-sync/internal/meta"
	"github.com/insight-sync/internal/planner"
	"github.com/insight-sync/internal/queue"
	"github.com/insight-sync/internal/scheduler"
	"github.com/insight-sync/internal/service"
	"github.com/insight-sync/internal/storage"
	"github.com/insight-sync/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.LogLevel(cfg.Logging.Level), logging.LogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	connectionRepo := storage.NewConnectionRepository(postgres)
	insightRepo := storage.NewInsightRepository(postgres)
	demographicsRepo := storage.NewDemographicsRepository(postgres)
	syncJobRepo := storage.NewSyncJobRepository(postgres)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobQueue := queue.NewMemoryQueue(syncJobRepo)
	if err := jobQueue.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to reload job queue")
	}

	chunkPlanner := planner.NewChunkPlanner(cfg.Sync.ChunkDays, cfg.Sync.PacingInterval)
	gapDetector := planner.NewGapDetector(insightRepo)
	insightsClient := meta.NewInsightsClient(&cfg.Meta)

	syncService, err := service.NewSyncService(&service.SyncServiceConfig{
		Connections:      connectionRepo,
		Insights:         insightRepo,
		Ledger:           demographicsRepo,
		Queue:            jobQueue,
		Planner:          chunkPlanner,
		Detector:         gapDetector,
		Cache:            redis,
		DefaultHistory:   cfg.Sync.DefaultHistory,
		RecentWindowDays: cfg.Sync.RecentWindowDays,
		GapLookbackDays:  cfg.Scheduler.GapLookbackDays,
		MaxAttempts:      cfg.Sync.MaxAttempts,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sync service")
	}

	syncPool, err := worker.NewSyncPool(&worker.SyncPoolConfig{
		Queue:       jobQueue,
		Fetcher:     insightsClient,
		Connections: connectionRepo,
		Writer:      insightRepo,
		Cache:       redis,
		Workers:     cfg.Sync.Workers,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sync pool")
	}
	if err := syncPool.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sync pool")
	}

	demographicsRunner, err := worker.NewDemographicsRunner(&worker.DemographicsRunnerConfig{
		Ledger:      demographicsRepo,
		Fetcher:     insightsClient,
		Connections: connectionRepo,
		Workers:     cfg.Demographics.Workers,
		ClaimBatch:  cfg.Demographics.ClaimBatch,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create demographics runner")
	}
	if err := demographicsRunner.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start demographics runner")
	}

	dispatcher := worker.NewDemographicsDispatcher(
		demographicsRepo, insightRepo, connectionRepo,
		cfg.Sync.DefaultHistory, cfg.Demographics.MaxAttempts)

	sched, err := scheduler.NewScheduler(&cfg.Scheduler, syncService, dispatcher, syncJobRepo)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}
	if err := sched.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	logger.Info("Worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("Received signal %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sched.Stop()
	if err := syncPool.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Sync pool shutdown failed")
	}
	if err := demographicsRunner.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Demographics runner shutdown failed")
	}
	cancel()

	logger.Info("Shutdown complete")
}
