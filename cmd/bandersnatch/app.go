package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"

	"github.com/pypa/bandersnatch-go/backend"
	"github.com/pypa/bandersnatch-go/cache"
	"github.com/pypa/bandersnatch-go/config"
	"github.com/pypa/bandersnatch-go/download"
	"github.com/pypa/bandersnatch-go/filter"
	"github.com/pypa/bandersnatch-go/pipeline"
	"github.com/pypa/bandersnatch-go/telemetry"
	"github.com/pypa/bandersnatch-go/upstream"
)

// App bundles every collaborator a subcommand needs, built once in main
// from the parsed configuration file and shared across whichever command
// actually runs.
type App struct {
	Ctx context.Context

	Config     *config.Config
	Backend    backend.Backend
	Upstream   *upstream.Client
	Filters    *filter.Chain
	Pipeline   *pipeline.Pipeline
	Cache      *cache.Cache
	Downloader *download.Downloader
	Logger     *slog.Logger

	logFile         *os.File
	metricsShutdown func(context.Context) error
}

// newApp loads and validates the mirror configuration, then wires up every
// collaborator the command surface needs: storage backend, upstream
// client, filter chain, pipeline, and the optional local cache. It fails
// fast on anything spec.md's "Configuration" error kind covers, before any
// network call is made.
func newApp(ctx context.Context, g Globals) (*App, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}

	logger, logFile, err := newLogger(cfg, g.Debug)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}

	metricsShutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "bandersnatch",
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EnablePrometheus: true,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	be, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	up, err := newUpstreamClient(cfg)
	if err != nil {
		return nil, err
	}

	chain, err := filter.Build(cfg.Raw())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	pl := pipeline.New(be, up, chain, cfg.PipelineOptions(), logger)

	// The cache is a pure accelerator: a failure to open it is logged and
	// otherwise ignored, matching cache.go's non-authoritative contract.
	c, err := cache.Open(filepath.Join(cfg.Directory, "cache.db"), cache.WithLogger(logger))
	if err != nil {
		logger.Warn("local metadata cache unavailable, continuing without it", "error", err)
		c = nil
	} else {
		pl.Cache = c
	}

	return &App{
		Ctx:             ctx,
		Config:          cfg,
		Backend:         be,
		Upstream:        up,
		Filters:         chain,
		Pipeline:        pl,
		Cache:           c,
		Downloader:      download.New(download.WithLogger(logger)),
		Logger:          logger,
		logFile:         logFile,
		metricsShutdown: metricsShutdown,
	}, nil
}

// newLogger builds the mirror's slog.Logger. Interactive runs (no
// log-config configured) get lmittmann/tint's colorized console handler;
// when mirror.conf's log-config path is set, output goes to that file as
// line-delimited JSON instead, since ANSI color codes have no place in a
// log file meant to be shipped or grepped later.
func newLogger(cfg *config.Config, debug bool) (*slog.Logger, *os.File, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	if cfg.LogConfig == "" {
		handler := tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
		return slog.New(handler), nil, nil
	}

	f, err := os.OpenFile(cfg.LogConfig, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log-config target %s: %w", cfg.LogConfig, err)
	}
	handler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
	return slog.New(handler), f, nil
}

// newBackend constructs the configured storage backend. Only filesystem is
// implemented; s3 and swift are accepted by config validation (spec.md §6
// names them as valid storage-backend values) but have no Go implementation
// in this tree yet.
func newBackend(cfg *config.Config) (backend.Backend, error) {
	if cfg.StorageBackend != config.StorageFilesystem {
		return nil, fmt.Errorf("storage-backend %q is not implemented, only %q is supported", cfg.StorageBackend, config.StorageFilesystem)
	}
	fs, err := backend.NewFilesystem(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("opening filesystem backend at %s: %w", cfg.Directory, err)
	}
	return backend.NewInstrumentedBackend(fs, "filesystem"), nil
}

// newUpstreamClient builds the upstream.Client, honoring mirror.conf's
// timeout and proxy settings. Proxy handling otherwise defaults to
// http.ProxyFromEnvironment (HTTPS_PROXY/HTTP_PROXY/ALL_PROXY/NO_PROXY),
// per spec.md §6's environment variable list.
func newUpstreamClient(cfg *config.Config) (*upstream.Client, error) {
	transport := http.DefaultTransport
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing [mirror] proxy: %w", err)
		}
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	httpClient := &http.Client{
		Timeout:   time.Duration(cfg.Timeout) * time.Second,
		Transport: telemetry.NewInstrumentedTransport(transport, "pypi"),
	}

	return upstream.New(
		upstream.WithBaseURL(cfg.Master),
		upstream.WithHTTPClient(httpClient),
	), nil
}

// Close releases everything newApp opened. Errors are collected rather
// than short-circuited so a cache-close failure doesn't hide a
// metrics-shutdown failure.
func (a *App) Close() error {
	var errs []error
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing cache: %w", err))
		}
	}
	if a.metricsShutdown != nil {
		if err := a.metricsShutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutting down metrics: %w", err))
		}
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing log file: %w", err))
		}
	}
	return errors.Join(errs...)
}
