// cmd/reportd/main.go
// Package main implements the entry point for the report service.
// It wires storage, media, events, the capture pipeline and the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ppkpt/anonreport/internal/anonymize"
	"github.com/ppkpt/anonreport/internal/auth"
	"github.com/ppkpt/anonreport/internal/capture"
	"github.com/ppkpt/anonreport/internal/config"
	"github.com/ppkpt/anonreport/internal/event"
	"github.com/ppkpt/anonreport/internal/media"
	"github.com/ppkpt/anonreport/internal/metrics"
	"github.com/ppkpt/anonreport/internal/render"
	"github.com/ppkpt/anonreport/internal/report"
	"github.com/ppkpt/anonreport/internal/schema"
	"github.com/ppkpt/anonreport/internal/server"
	"github.com/ppkpt/anonreport/internal/storage"
	"github.com/ppkpt/anonreport/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Spans go to stderr in dev only.
	var spanOut io.Writer = io.Discard
	if cfg.Env == "dev" {
		spanOut = os.Stderr
	}
	if _, err := telemetry.InitTracer(telemetry.ServiceName, version, spanOut); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	m := metrics.NewMetrics()

	// Durable KV substrate (PostgreSQL or in-memory)
	var kv storage.KV
	if cfg.DatabaseDSN != "" {
		var err error
		kv, err = storage.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("initialize postgres storage: %w", err)
		}
		logger.Info("using postgres storage")
	} else {
		kv = storage.NewMemory()
		logger.Warn("REPORT_DB_DSN not set; reports are kept in memory")
	}
	defer kv.Close()

	// Artifact blobs (S3 or in-memory)
	var blobs media.Store
	if cfg.S3Enabled() {
		s3, err := media.NewS3Store(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			return fmt.Errorf("initialize s3 media store: %w", err)
		}
		blobs = s3
		logger.Info("using s3 media store", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	} else {
		blobs = media.NewMemory()
	}

	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("initialize schema validator: %w", err)
	}

	store := report.NewStore(kv, report.StoreOptions{
		Key:       cfg.StoreKey,
		Validator: validator,
		Logger:    logger,
		Metrics:   m,
	})
	lc := report.NewLifecycle(store, report.Options{
		Media:    blobs,
		Events:   pub,
		Location: cfg.Location,
		Logger:   logger,
		Metrics:  m,
	})

	// Live capture: device -> render loop (preview) + recorder (raw).
	filter := anonymize.NewFilter(cfg.PixelSize, cfg.BlurRadius, m)
	clock := render.NewFrameClock(cfg.RefreshHz)
	defer clock.Close()
	loop := render.NewLoop(render.Options{
		Scheduler: clock,
		Filter:    filter,
		Logger:    logger,
		Metrics:   m,
	})

	var devices capture.DeviceProvider = capture.NoDevice{}
	if cfg.CaptureDevice == config.DeviceSynthetic {
		devices = capture.NewSyntheticDevice(cfg.FrameWidth, cfg.FrameHeight)
	}
	session := capture.NewSession(capture.Options{
		Devices:       devices,
		Loop:          loop,
		Submitter:     lc,
		Constraints:   capture.Constraints{Video: true, Audio: true, Width: cfg.FrameWidth, Height: cfg.FrameHeight},
		ChunkInterval: cfg.ChunkInterval,
		Logger:        logger,
		Metrics:       m,
	})

	var operator *auth.Authenticator
	if cfg.AuthEnabled() {
		operator, err = auth.New(cfg.JWTSecret, cfg.AdminUsername, cfg.AdminPassword, cfg.AdminPasswordHash, cfg.TokenTTL)
		if err != nil {
			return fmt.Errorf("initialize operator auth: %w", err)
		}
	} else {
		logger.Warn("REPORT_JWT_SECRET not set; dashboard endpoints are open")
	}

	draining := make(chan struct{})
	mux := server.NewMux(server.Deps{
		Lifecycle:          lc,
		Session:            session,
		Filter:             filter,
		Auth:               operator,
		Validator:          validator,
		Metrics:            m,
		Logger:             logger,
		MaxMediaSize:       cfg.MaxMediaSize,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Draining:           draining,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute, // Large multipart uploads
		// No WriteTimeout: /v1/reports/events streams indefinitely.
	}
	srv.RegisterOnShutdown(func() { close(draining) })

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version, "capture_device", cfg.CaptureDevice)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := session.Close(shutdownCtx); err != nil {
		logger.Warn("capture session closed with error", "error", err)
	}
	return nil
}
