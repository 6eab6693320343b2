// SPDX-License-Identifier: MIT

// Package api is the embedded HTTP adapter: health and metrics
// endpoints plus a small JSON surface over the engine's operations and
// an SSE bridge onto the state broker.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tonearm/tonearm/internal/config"
	"github.com/tonearm/tonearm/internal/engine"
	"github.com/tonearm/tonearm/internal/health"
	"github.com/tonearm/tonearm/internal/log"
)

// Server serves the HTTP adapter.
type Server struct {
	engine *engine.Engine
	health *health.Manager
	cfg    config.API

	httpServer *http.Server
}

// NewServer builds the adapter around an engine.
func NewServer(e *engine.Engine, hm *health.Manager, cfg config.API) *Server {
	return &Server{engine: e, health: hm, cfg: cfg}
}

// Router assembles the chi router with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))
	}

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleEnqueue)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleRemoveJob)
		})

		r.Post("/scan", s.handleScan)

		r.Route("/queue", func(r chi.Router) {
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/flush", s.handleFlush)
			r.Post("/reset", s.handleReset)
		})
	})

	return otelhttp.NewHandler(r, "tonearm.api")
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger := log.WithComponent("api")
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http adapter listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("http adapter stopped")
	return nil
}
