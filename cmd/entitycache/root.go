package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/entitycache/internal/api"
	"github.com/hyperengineering/entitycache/internal/config"
	"github.com/hyperengineering/entitycache/internal/multistore"
	"github.com/hyperengineering/entitycache/internal/snapshot"
	"github.com/hyperengineering/entitycache/internal/worker"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "entitycache",
	Short:        "Entity cache save and fetch service",
	Version:      Version,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.AddCommand(storeCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Initialize store manager (stores open lazily, migrations run on open)
	manager, err := multistore.NewStoreManager(cfg.Stores.RootPath, logger)
	if err != nil {
		return err
	}
	slog.Info("store manager initialized", "root", manager.RootPath())

	// 5. Initialize snapshot storage
	uploader, err := snapshot.NewUploader(cfg.Snapshot.Storage)
	if err != nil {
		manager.Close()
		return err
	}
	if cfg.Snapshot.Storage.Bucket != "" {
		slog.Info("snapshot storage configured",
			"bucket", cfg.Snapshot.Storage.Bucket,
			"endpoint", cfg.Snapshot.Storage.Endpoint)
	}

	// 6. Initialize HTTP router
	opts := []api.HandlerOption{
		api.WithIdempotencyTTL(time.Duration(cfg.Save.IdempotencyTTL)),
		api.WithMaxSaveEntities(cfg.Save.MaxEntities),
		api.WithSnapshotUploader(uploader),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, api.WithMetrics(api.NewMetrics()))
	}
	if cfg.Auth.APIKey == "" {
		slog.Warn("authentication disabled", "reason", "dev mode without API key")
	}
	handler := api.NewHandler(manager, cfg.Auth.APIKey, Version, opts...)
	router := api.NewRouter(handler)
	slog.Info("router initialized", "metrics", cfg.Metrics.Enabled)

	// 7. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 8. Worker lifecycle infrastructure
	var wg sync.WaitGroup
	sweeper := worker.NewIdempotencySweeper(
		worker.NewStoreManagerAdapter(manager),
		time.Duration(cfg.Worker.SweepInterval),
	)
	startWorker(ctx, &wg, "idempotency-sweeper", sweeper.Run)

	if interval := time.Duration(cfg.Snapshot.Interval); interval > 0 {
		snapshots := worker.NewSnapshotCoordinator(
			worker.NewStoreManagerAdapter(manager),
			interval,
			uploader,
		)
		startWorker(ctx, &wg, "snapshot-coordinator", snapshots.Run)
	}

	// 9. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected result of Shutdown. Any other
		// error is a server failure and triggers shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 11a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 11b. Wait for workers to complete
	wg.Wait()

	// 11c. Close stores last so in-flight saves and the workers can finish
	if err := manager.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newLogger builds the process logger from the log settings. Unknown
// formats fall back to JSON.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine tracked by wg.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
