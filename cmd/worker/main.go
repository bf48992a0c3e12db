package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/media-pipeline/internal/app"
	"github.com/amillerrr/media-pipeline/internal/config"
	"github.com/amillerrr/media-pipeline/internal/health"
	"github.com/amillerrr/media-pipeline/internal/logger"
	"github.com/amillerrr/media-pipeline/internal/observability"
)

const ShutdownTimeout = 5 * time.Second

func main() {
	envErr := godotenv.Load()

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.New(slog.LevelInfo).Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.SlogLevel())
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, relying on system ENV variables")
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), "media-worker", cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
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

	checker := health.NewChecker(health.DefaultConfig("media-worker", log, backends.Probes...))
	metricsServer := startMetricsServer(cfg.Worker.MetricsPort, checker, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("Shutting down worker...")
		cancel()
	}()

	// Run returns once in-flight jobs have drained.
	app.NewWorker(cfg, backends, orchestrator, log).Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown metrics server", "error", err)
	}
}

func startMetricsServer(port int, checker *health.Checker, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/health/deep", checker.DeepHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting metrics server", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()
	return server
}
