// Package api serves the trust query API used by the discovery layer.
package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/templatetrust/internal/audit"
	"github.com/org/templatetrust/internal/auth"
	"github.com/org/templatetrust/internal/core"
	"github.com/org/templatetrust/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	// RateLimit is requests per second per client; Burst the bucket size.
	RateLimit int
	Burst     int
}

// Server is the API server.
type Server struct {
	guard   *core.Guard
	audit   *audit.Logger
	tokens  *auth.TokenVerifier
	metrics *telemetry.Metrics
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(guard *core.Guard, auditLog *audit.Logger, tokens *auth.TokenVerifier, metrics *telemetry.Metrics, cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2 * cfg.RateLimit
	}
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &Server{
		guard:   guard,
		audit:   auditLog,
		tokens:  tokens,
		metrics: metrics,
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware(s.metrics))
	r.Use(newRateLimiter(s.cfg.RateLimit, s.cfg.Burst).middleware)
	r.Use(accessLogMiddleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", s.metrics.Handler())

	// Public routes (no auth required)
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.tokens))

		r.Get("/v1/trust", s.TrustListHandler)
		r.Get("/v1/trust/check", s.TrustCheckHandler)
		r.Post("/v1/trust/check", s.TrustCheckBulkHandler)
		r.Post("/v1/authorize", s.AuthorizeHandler)
		r.Get("/v1/audit", s.AuditQueryHandler)
		r.Get("/v1/stats", s.StatsHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
