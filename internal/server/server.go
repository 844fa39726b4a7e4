// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package server exposes a benchmark client over a small local HTTP API so
// harnesses written in other languages can drive it.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sigil-dev/vespabench/internal/adapter"
	"github.com/sigil-dev/vespabench/internal/query"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

// Version is reported in the OpenAPI document.
const Version = "0.1.0"

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// MaxInFlight caps concurrent requests. Zero means unlimited.
	MaxInFlight int
}

// Backend is the benchmark client the routes drive. *adapter.Client
// satisfies it.
type Backend interface {
	Insert(ctx context.Context, embeddings [][]float32, ids []int64) (int, error)
	Query(ctx context.Context, vector []float32, k int, filter string, timeout time.Duration) (*query.Result, error)
	ReadyToLoad() error
	Optimize() error
	ReadyToSearch() error
	Status() adapter.Status
}

// Server wraps a chi router with huma API and HTTP server.
type Server struct {
	router  chi.Router
	api     huma.API
	cfg     Config
	backend Backend
}

// New creates a Server with every route registered against backend.
func New(cfg Config, backend Backend) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, vberr.New(vberr.CodeServerConfigInvalid, "listen address is required")
	}
	if cfg.MaxInFlight < 0 {
		return nil, vberr.Errorf(vberr.CodeServerConfigInvalid,
			"max in-flight requests must not be negative (got %d)", cfg.MaxInFlight)
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	if cfg.MaxInFlight > 0 {
		r.Use(middleware.Throttle(cfg.MaxInFlight))
	}

	humaConfig := huma.DefaultConfig("vespabench", Version)
	humaConfig.Info.Description = "Vector search benchmark client API"
	api := humachi.New(r, humaConfig)

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*HealthResponse, error) {
		return &HealthResponse{Body: HealthBody{Status: "ok"}}, nil
	})

	srv := &Server{
		router:  r,
		api:     api,
		cfg:     cfg,
		backend: backend,
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API, mainly for OpenAPI generation.
func (s *Server) API() huma.API {
	return s.api
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return vberr.Errorf(vberr.CodeServerStartFailure, "listening on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener, which it takes ownership of.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- vberr.Errorf(vberr.CodeServerStartFailure, "serving on %s: %w", ln.Addr(), err)
		}
		close(errCh)
	}()
	slog.Info("server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return vberr.Errorf(vberr.CodeServerShutdownFailure, "shutting down: %w", err)
	}
	slog.Info("server stopped")
	return <-errCh
}

// HealthBody is the JSON body of the health endpoint response.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthResponse wraps the health check response.
type HealthResponse struct {
	Body HealthBody
}
