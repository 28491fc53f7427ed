// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/intentql/intentql/services/query"
	"github.com/intentql/intentql/services/query/catalog"
	"github.com/intentql/intentql/services/query/config"
	"github.com/intentql/intentql/services/query/envpool"
	"github.com/intentql/intentql/services/query/executor"
	"github.com/intentql/intentql/services/query/routing"
	"github.com/intentql/intentql/services/query/session"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the query resolution HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (embedded defaults when empty)")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if cfg.Environments == "" {
		return errors.New("serve requires an environments file (set environments: in the config)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing()
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer shutdown()
	}

	// === Catalog ===
	store, err := catalog.OpenStore(cfg.Catalog.Path, logger)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	logger.Info("catalog loaded",
		slog.Int("templates", store.Current().Len()),
		slog.String("source", catalogSource(cfg.Catalog.Path)),
	)

	// === Environments ===
	registry, err := envpool.LoadRegistryFile(cfg.Environments)
	if err != nil {
		return fmt.Errorf("loading environments: %w", err)
	}
	logger.Info("environments loaded", slog.Any("names", registry.Names()))

	router := envpool.NewRouter(logger)
	defer router.Close()

	// === Resolution cache (optional) ===
	var cache routing.ResolutionCache
	if cfg.Cache.Dir != "" {
		badgerCache, err := routing.OpenBadgerResolutionCache(cfg.Cache.Dir, cfg.Cache.TTL, logger)
		if err != nil {
			// Serve without memoization rather than refuse to start.
			logger.Warn("resolution cache unavailable, continuing without it",
				slog.String("dir", cfg.Cache.Dir),
				slog.String("error", err.Error()),
			)
		} else {
			defer badgerCache.Close()
			cache = badgerCache
		}
	}

	// === Service ===
	svc := query.NewService(query.Options{
		Config:   cfg,
		Store:    store,
		Registry: registry,
		Router:   router,
		Sessions: session.NewStore(cfg.Session.MaxEntries),
		Executor: executor.New(router, logger),
		Cache:    cache,
		Logger:   logger,
	})

	// === HTTP ===
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("intentql-query"))
	query.RegisterRoutes(engine, query.NewHandlers(svc, logger))

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: engine,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Catalog.Watch && cfg.Catalog.Path != "" {
		group.Go(func() error {
			return catalog.Watch(groupCtx, store)
		})
	}

	group.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down", slog.Duration("grace", cfg.Server.ShutdownGrace))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadDefault()
	}
	return config.Load(path)
}

func catalogSource(path string) string {
	if path == "" {
		return "embedded"
	}
	return path
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// tracingShutdownGrace bounds span flush on exit.
const tracingShutdownGrace = 5 * time.Second

// setupTracing installs a stdout span exporter. Returns the shutdown func.
func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), tracingShutdownGrace)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}, nil
}
