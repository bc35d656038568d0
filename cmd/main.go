package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/proxy-watch/internal/api"
	"github.com/proxy-watch/internal/checker"
	"github.com/proxy-watch/internal/config"
	"github.com/proxy-watch/internal/metrics"
	"github.com/proxy-watch/internal/notifier"
	"github.com/proxy-watch/internal/runner"
	"github.com/proxy-watch/internal/source"
	"github.com/proxy-watch/internal/storage"
	log "github.com/sirupsen/logrus"
)

const version = "1.0.0"

// Exit codes
const (
	exitOK           = 0
	exitFailed       = 1
	exitNotDelivered = 2
)

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	serve := flag.Bool("serve", false, "serve the stored snapshot over HTTP instead of running a pass")
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.Infof("Starting proxywatch v%s", version)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set log level and format
	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	// Initialize metrics
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	// Initialize storage
	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	var code int
	if *serve {
		code = runServer(cfg, store, metricsCollector)
	} else {
		code = runOnce(cfg, store, metricsCollector)
	}

	if err := store.Close(); err != nil {
		log.Warnf("Failed to close storage: %v", err)
	}
	os.Exit(code)
}

func runOnce(cfg *config.Config, store storage.Storage, metricsCollector *metrics.Collector) int {
	categorizer, err := source.NewCategorizer(cfg.Categories.GeoIPDBPath, cfg.Categories.Default)
	if err != nil {
		log.Errorf("Failed to open GeoIP database: %v", err)
		return exitFailed
	}
	defer categorizer.Close()

	fanout, err := notifier.New(cfg.Notifier)
	if err != nil {
		log.Errorf("Failed to initialize notifier: %v", err)
		return exitFailed
	}

	r := runner.New(
		source.NewFetcher(cfg.Source, metricsCollector),
		categorizer,
		checker.NewChecker(cfg.Checker, metricsCollector),
		fanout,
		store,
		metricsCollector,
		runner.OptionsFromConfig(cfg),
	)

	// Interrupts stop dispatching; in-flight probes still finish
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	result, err := r.Run(ctx)

	var srcErr *source.SourceError
	var persistErr *storage.PersistenceError
	switch {
	case err == nil:
	case errors.Is(err, runner.ErrNotDelivered):
		log.Warnf("Run finished without delivery: %v", err)
		return exitNotDelivered
	case errors.As(err, &srcErr):
		log.Errorf("Candidate source failed, nothing probed: %v", err)
		return exitFailed
	case errors.As(err, &persistErr):
		log.Errorf("Snapshot persistence failed: %v", err)
		return exitFailed
	default:
		log.Errorf("Run failed: %v", err)
		return exitFailed
	}

	log.WithFields(log.Fields{
		"candidates": result.Candidates,
		"rejected":   result.Rejected,
		"probed":     result.Probed,
		"succeeded":  result.Summary.Succeeded,
		"notified":   result.Notified,
	}).Infof("Run complete in %v", time.Since(start))

	// Log memory stats
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Infof("Memory: Alloc=%dMB, TotalAlloc=%dMB, Sys=%dMB, NumGC=%d",
		m.Alloc/1024/1024, m.TotalAlloc/1024/1024, m.Sys/1024/1024, m.NumGC)

	return exitOK
}

func runServer(cfg *config.Config, store storage.Storage, metricsCollector *metrics.Collector) int {
	apiServer := api.NewServer(cfg, store, metricsCollector)

	errChan := make(chan error, 1)
	go func() {
		errChan <- apiServer.Start()
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Errorf("API server failed: %v", err)
		return exitFailed
	case <-sigChan:
	}

	log.Info("Shutting down gracefully...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
		return exitFailed
	}

	log.Info("Shutdown complete")
	return exitOK
}
