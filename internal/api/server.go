// Package api exposes the HTTP interface for the crawler telemetry service:
// the exposition scrape endpoint plus compliance diagnostics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/econ-graph/crawler-telemetry/internal/config"
	"github.com/econ-graph/crawler-telemetry/internal/exporter"
	"github.com/econ-graph/crawler-telemetry/internal/politeness"
)

// Server wires HTTP handlers to the exporter and the politeness trackers.
// Diagnostics endpoints consult every tracker, so sources crawled by any
// crawler family show up.
type Server struct {
	router   chi.Router
	exporter *exporter.Exporter
	trackers []*politeness.Tracker
	logger   *zap.Logger
	cfg      config.Config
}

// NewServer constructs a Server with middleware and routes. Trackers are
// consulted in the order given; the caller passes one per crawler family.
func NewServer(exp *exporter.Exporter, trackers []*politeness.Tracker, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		exporter: exp,
		trackers: trackers,
		logger:   logger,
		cfg:      cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(30 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	scrapeLimit := scrapeLimitMiddleware(cfg.Server.ScrapeRPS, cfg.Server.ScrapeBurst)
	r.With(scrapeLimit).Get("/metrics", s.metrics)
	// Same series through the stock client_golang gatherer, alongside the
	// Go runtime and process collectors.
	r.With(scrapeLimit).Method(http.MethodGet, "/metrics/runtime", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Get("/{source}", s.getSource)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// All state is in-memory; readiness equals liveness.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// metrics renders the current exposition body. A failed render returns a
// server error for this scrape cycle only; recorded series are unaffected.
func (s *Server) metrics(w http.ResponseWriter, _ *http.Request) {
	body, err := s.exporter.Render()
	if err != nil {
		s.logger.Error("metrics render failed", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, exporter.ErrExport) {
			writeError(w, status, "exposition render failed")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Warn("metrics write failed", zap.Error(err))
	}
}

type sourceResponse struct {
	CrawlerType     string `json:"crawler_type"`
	Source          string `json:"source"`
	LastRequestAt   string `json:"last_request_at,omitempty"`
	MinDelayMs      int64  `json:"min_delay_ms"`
	DelayViolations uint64 `json:"delay_violations"`
	RobotsCheckedAt string `json:"robots_checked_at,omitempty"`
	RobotsAllowed   bool   `json:"robots_allowed"`
	InFlight        uint32 `json:"in_flight"`
	MaxConcurrent   uint32 `json:"max_concurrent"`
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	out := make([]sourceResponse, 0)
	for _, tracker := range s.trackers {
		sources := tracker.Sources()
		sort.Strings(sources)
		for _, source := range sources {
			if state, ok := tracker.State(source); ok {
				out = append(out, toSourceResponse(state))
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

// getSource answers with every crawler family that has seen the source; a
// domain crawled by two families yields two entries.
func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	var out []sourceResponse
	for _, tracker := range s.trackers {
		if state, ok := tracker.State(source); ok {
			out = append(out, toSourceResponse(state))
		}
	}
	if len(out) == 0 {
		writeError(w, http.StatusNotFound, "source not seen")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "trackers": out})
}

func toSourceResponse(state politeness.ComplianceState) sourceResponse {
	resp := sourceResponse{
		CrawlerType:     state.CrawlerType.String(),
		Source:          state.Source,
		MinDelayMs:      state.MinDelay.Milliseconds(),
		DelayViolations: state.DelayViolations,
		RobotsAllowed:   state.RobotsAllowed,
		InFlight:        state.InFlight,
		MaxConcurrent:   state.MaxConcurrent,
	}
	if !state.LastRequestAt.IsZero() {
		resp.LastRequestAt = state.LastRequestAt.UTC().Format(time.RFC3339Nano)
	}
	if !state.RobotsCheckedAt.IsZero() {
		resp.RobotsCheckedAt = state.RobotsCheckedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Headers are already written; nothing recoverable remains.
		return
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
