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
	"syscall"
	"time"

	"visiontts/internal/config"
	"visiontts/internal/detection"
	"visiontts/internal/detector"
	"visiontts/internal/httpapi"
	"visiontts/internal/observability"
	"visiontts/internal/speech"
	"visiontts/internal/upstream/gtranslate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	metrics := observability.NewMetrics()

	handle := detector.LoadHandle(cfg.ModelPath, func(path string) (detector.Detector, error) {
		return detector.OpenONNX(path, detector.ONNXOptions{
			SharedLibraryPath: cfg.ONNXRuntimeLib,
			LabelsPath:        cfg.ModelLabelsPath,
			IntraOpThreads:    cfg.ONNXThreads,
		})
	})
	defer func() {
		if err := handle.Close(); err != nil {
			logger.Warn("model close failed", "error", err)
		}
	}()
	metrics.SetModelLoaded(handle.Loaded())
	if handle.Loaded() {
		logger.Info("model loaded", "path", handle.Path())
	} else {
		// Keep serving: / and /health report the failure and /detect fails fast.
		logger.Error("model load failed", "path", handle.Path(), "error", handle.Err())
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	ttsHTTPClient := &http.Client{Timeout: cfg.TTSTimeout, Transport: transport}
	ttsClient := gtranslate.New(cfg.TTSBaseURL, ttsHTTPClient, gtranslate.WithObserver(metrics.ObserveUpstream))

	detectionService := detection.New(handle, metrics.ObserveDetection)
	speechService := speech.New(ttsClient, cfg.TTSTimeout, metrics.ObserveSynthesis)

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Model:          handle,
		Detection:      detectionService,
		Speech:         speechService,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       35 * time.Second,
		WriteTimeout:      cfg.TTSTimeout + 40*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr, "model_loaded", handle.Loaded())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
