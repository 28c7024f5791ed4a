// Package app initializes and holds the long-lived telemetry services,
// acting as the process's dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/econ-graph/crawler-telemetry/internal/api"
	"github.com/econ-graph/crawler-telemetry/internal/clock/system"
	"github.com/econ-graph/crawler-telemetry/internal/config"
	"github.com/econ-graph/crawler-telemetry/internal/exporter"
	collyfetcher "github.com/econ-graph/crawler-telemetry/internal/fetcher/colly"
	"github.com/econ-graph/crawler-telemetry/internal/metrics"
	"github.com/econ-graph/crawler-telemetry/internal/politeness"
)

// App holds the shared services: one registry, one tracker per crawler
// family, the exporter, and the HTTP surface. Created once at startup and
// torn down at process exit; there is no reset.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *metrics.Registry
	trackers map[metrics.CrawlerType]*politeness.Tracker
	exporter *exporter.Exporter
	server   *api.Server
}

// New wires the full service from configuration. It fails fast when any
// component cannot be constructed.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	registry := metrics.NewRegistry()
	clk := system.New()

	trackerCfg := politeness.Config{
		Defaults: politeness.Limits{
			MinDelay:      time.Duration(cfg.Politeness.DefaultMinDelayMs) * time.Millisecond,
			MaxConcurrent: uint32(cfg.Politeness.DefaultMaxConcurrent),
		},
		Overrides: make(map[string]politeness.Limits, len(cfg.Politeness.Sources)),
	}
	for source, limits := range cfg.Politeness.Sources {
		trackerCfg.Overrides[source] = politeness.Limits{
			MinDelay:      time.Duration(limits.MinDelayMs) * time.Millisecond,
			MaxConcurrent: uint32(limits.MaxConcurrent),
		}
	}

	crawlerTypes := []metrics.CrawlerType{
		metrics.CrawlerTypeEconomicData,
		metrics.CrawlerTypeSecEdgar,
		metrics.CrawlerTypeQueue,
	}
	trackers := make(map[metrics.CrawlerType]*politeness.Tracker, len(crawlerTypes))
	ordered := make([]*politeness.Tracker, 0, len(crawlerTypes))
	for _, ct := range crawlerTypes {
		tc := trackerCfg
		tc.CrawlerType = ct
		tracker := politeness.NewTracker(tc, registry, clk, logger.Named("politeness"))
		trackers[ct] = tracker
		ordered = append(ordered, tracker)
	}

	exp := exporter.New(registry, cfg.Metrics.Namespace)
	// Expose the registry through the stock client_golang path as well, so
	// process collectors or other libraries can share the scrape.
	if err := prometheus.DefaultRegisterer.Register(
		metrics.NewCollector(registry, cfg.Metrics.Namespace)); err != nil {
		if _, already := err.(prometheus.AlreadyRegisteredError); !already {
			return nil, fmt.Errorf("register collector bridge: %w", err)
		}
	}

	srv := api.NewServer(exp, ordered, cfg, logger.Named("api"))

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		trackers: trackers,
		exporter: exp,
		server:   srv,
	}, nil
}

// Registry returns the shared metric registry for crawler instrumentation.
func (a *App) Registry() *metrics.Registry {
	return a.registry
}

// Tracker returns the politeness tracker for one crawler family.
func (a *App) Tracker(ct metrics.CrawlerType) *politeness.Tracker {
	return a.trackers[ct]
}

// Exporter returns the exposition renderer.
func (a *App) Exporter() *exporter.Exporter {
	return a.exporter
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// NewFetcher builds an instrumented fetch client for one crawler family.
func (a *App) NewFetcher(ct metrics.CrawlerType) *collyfetcher.Fetcher {
	return collyfetcher.New(collyfetcher.Config{
		CrawlerType:   ct,
		UserAgent:     a.cfg.Fetcher.UserAgent,
		Timeout:       a.cfg.FetchTimeout(),
		RespectRobots: a.cfg.Fetcher.RespectRobots,
	}, a.trackers[ct], a.registry, a.logger.Named("fetcher"))
}

// Serve runs the HTTP server until ctx is canceled, then drains with the
// configured grace period.
func (a *App) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("telemetry server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	grace := time.Duration(a.cfg.Server.ShutdownGraceSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
