package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/media_downloader/internal/cleanup"
	"github.com/italolelis/media_downloader/internal/config"
	"github.com/italolelis/media_downloader/internal/downloader"
	"github.com/italolelis/media_downloader/internal/ffmpeg"
	"github.com/italolelis/media_downloader/internal/http/rest"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/notifier"
	"github.com/italolelis/media_downloader/internal/provider"
	"github.com/italolelis/media_downloader/internal/provider/youtube"
	"github.com/italolelis/media_downloader/internal/storage"
	"github.com/italolelis/media_downloader/internal/storage/sqlite"
	"github.com/italolelis/media_downloader/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("media downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		DiskPath:       cfg.TargetDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedDownloadRepository(database, tel)

	instanceID := storage.GenerateInstanceID()

	// Downloads left active by a previous process will never finish.
	if n, err := history.MarkInterrupted(ctx, instanceID); err != nil {
		logger.Error("failed to mark interrupted downloads", "err", err)
	} else if n > 0 {
		logger.Info("marked interrupted downloads", "count", n)
	}

	// =========================================================================
	// Start Downloader
	manager := setupManager(ctx, cfg, tel, history, instanceID)
	defer manager.Close()

	// =========================================================================
	// Start Notification
	setupNotification(ctx, manager, cfg)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, history, manager, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, manager, history, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"concurrent_downloads", manager.Concurrency(),
		"max_concurrent_downloads", manager.MaxConcurrentDownloads(),
		"history_retention", cfg.KeepHistoryFor.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

func setupManager(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	history *sqlite.InstrumentedDownloadRepository,
	instanceID string,
) *downloader.Manager {
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	streams := provider.NewInstrumentedStreamProvider(youtube.New(httpClient, youtube.WithCacheTTL(cfg.MetadataCacheTTL)), tel, "youtube")
	ff := ffmpeg.New(cfg.FFmpegPath)

	factory := downloader.NewFactory(streams, ff, ff, downloader.WithTempDir(cfg.TempDir))

	return downloader.NewManager(ctx, streams, factory,
		downloader.WithTelemetry(tel),
		downloader.WithHistory(history, instanceID),
		downloader.WithMaxConcurrentDownloads(cfg.MaxConcurrentDownloads),
		downloader.WithInitialConcurrency(cfg.ConcurrentDownloads),
	)
}

func setupNotification(ctx context.Context, manager *downloader.Manager, cfg *config.Config) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	notifier.NotifyDownloads(ctx, manager, &notifier.DiscordNotifier{
		WebhookURL: cfg.DiscordWebhookURL,
		Username:   cfg.DiscordUsername,
	})
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	manager *downloader.Manager,
	history storage.DownloadReadRepository,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	dHandler := rest.NewDownloadsHandler(manager, history, cfg.TargetDir, rest.Defaults{
		Preferences: cfg.Preferences(),
		AudioEncode: cfg.AudioEncode(),
	})

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/", dHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "media_downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, history cleanup.HistoryPruner, manager *downloader.Manager, cfg *config.Config) {
	dirs := []string{cfg.TargetDir}
	if cfg.TempDir != "" && filepath.Clean(cfg.TempDir) != filepath.Clean(cfg.TargetDir) {
		dirs = append(dirs, cfg.TempDir)
	}

	sweeper := &cleanup.Sweeper{
		Dirs:        dirs,
		TempPrefix:  downloader.TempFilePrefix,
		TempMaxAge:  cfg.TempMaxAge,
		History:     history,
		KeepHistory: cfg.KeepHistoryFor,
		Interval:    cfg.CleanupInterval,
		InUse:       manager.OwnsTempFile,
	}

	go sweeper.Run(ctx)
}
