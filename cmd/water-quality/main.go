package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpapi "github.com/i474232898/water-quality-aggregation/internal/api/http"
	"github.com/i474232898/water-quality-aggregation/internal/config"
	"github.com/i474232898/water-quality-aggregation/internal/logging"
	"github.com/i474232898/water-quality-aggregation/internal/mapping"
	"github.com/i474232898/water-quality-aggregation/internal/metrics"
	"github.com/i474232898/water-quality-aggregation/internal/quality"
	"github.com/i474232898/water-quality-aggregation/internal/quality/providers"
	"github.com/i474232898/water-quality-aggregation/internal/scheduler"
	"github.com/i474232898/water-quality-aggregation/internal/store"
)

const appName = "water-quality"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("%s: %v", appName, err)
	}
}

// run wires the service and blocks until SIGINT or SIGTERM. Startup failures
// are returned after every resource opened so far has been released.
func run(cfg *config.AppConfig) error {
	logger, logCloser, err := logging.New(appName, logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// A missing mapping is not fatal at startup: lookups report it as a
	// configuration error until the file appears.
	resolver := mapping.NewFileResolver(cfg.MappingFile, logger)
	if err := resolver.Load(); err != nil {
		logger.Error("postal mapping not loaded", "path", cfg.MappingFile, "error", err)
	}

	cache, err := store.NewFileStore(cfg.CacheDir, logger)
	if err != nil {
		logger.Error("cache directory unusable", "path", cfg.CacheDir, "error", err)
		return fmt.Errorf("open cache: %w", err)
	}

	// Shared HTTP client for outbound Hub'Eau calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}
	fetcher := providers.NewHubeauProvider(httpClient, cfg.HubeauBaseURL, cfg.HubeauPageSize, logger)

	service := quality.NewService(resolver, fetcher, cache, quality.Options{
		MaxConcurrency: cfg.MaxConcurrentFetches,
		FetchTimeout:   cfg.FetchTimeout,
		Retries:        cfg.FetchRetries,
		RetryBackoff:   cfg.RetryBackoff,
		CacheMaxAge:    cfg.CacheMaxAge,
		Coalesce:       cfg.CoalesceFetches,
		Logger:         logger,
		Metrics:        m,
	})

	sched := scheduler.New(scheduler.Config{
		PostalCodes:     cfg.WarmPostalCodes,
		WarmInterval:    cfg.WarmInterval,
		WarmConcurrency: cfg.WarmConcurrency,
		ReloadInterval:  cfg.MappingReloadInterval,
	}, service, resolver, logger, m)
	if err := sched.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// Aggregation waits for every upstream fetch to finish.
		WriteTimeout: cfg.FetchTimeout*time.Duration(cfg.FetchRetries+1) + 10*time.Second,
		ErrorHandler: httpapi.ErrorHandler,
	})

	app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} ${locals:requestid} ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": appName,
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	httpapi.RegisterRoutes(app, service)

	go func() {
		logger.Info("listening", "port", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("fiber server stopped", "error", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}
	return nil
}
