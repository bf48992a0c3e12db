package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/amillerrr/media-pipeline/internal/analytics"
	"github.com/amillerrr/media-pipeline/internal/api"
	"github.com/amillerrr/media-pipeline/internal/app"
	"github.com/amillerrr/media-pipeline/internal/auth"
	"github.com/amillerrr/media-pipeline/internal/config"
	"github.com/amillerrr/media-pipeline/internal/health"
	"github.com/amillerrr/media-pipeline/internal/logger"
	"github.com/amillerrr/media-pipeline/internal/observability"
	"github.com/amillerrr/media-pipeline/internal/streaming"
)

const (
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.LoadAPI()
	if err != nil {
		logger.New(slog.LevelInfo).Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.SlogLevel())
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), "media-api", cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	backends, err := app.Open(context.Background(), cfg, log)
	if err != nil {
		log.Error("Failed to initialize backends", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Error("Failed to close backends", "error", err)
		}
	}()

	orchestrator, err := app.NewOrchestrator(cfg, backends, log)
	if err != nil {
		log.Error("Failed to create pipeline", "error", err)
		os.Exit(1)
	}

	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		log.Error("Failed to get JWT secret", "error", err)
		os.Exit(1)
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		log.Error("Failed to create JWT service", "error", err)
		os.Exit(1)
	}

	server, err := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Videos:        orchestrator,
		Streams:       streaming.NewService(backends.Store, backends.Files, log),
		Analytics:     analytics.NewRecorder(backends.Store, log),
		JWTService:    jwtService,
		RateLimiter:   auth.NewRateLimiter(auth.DefaultRateLimiterConfig()),
		HealthChecker: health.NewChecker(health.DefaultConfig("media-api", log, backends.Probes...)),
		MediaDir:      backends.MediaDir,
	})
	if err != nil {
		log.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	// Without a shared queue the jobs run in this process.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	if cfg.Storage.QueueBackend != config.BackendSQS {
		w := app.NewWorker(cfg, backends, orchestrator, log)
		go func() {
			defer close(workerDone)
			w.Run(workerCtx)
		}()
	} else {
		close(workerDone)
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	stopWorker()
	select {
	case <-workerDone:
	case <-ctx.Done():
		log.Warn("Timed out waiting for in-flight jobs")
	}

	log.Info("Server shutdown complete")
}
