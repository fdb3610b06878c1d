// Package api serves the engine's read-only operations surface: health,
// Prometheus metrics, capability listings, stats and the audit trail.
// Operations that take private keys are not exposed over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/macoaure/privacychain/internal/metrics"
	"github.com/macoaure/privacychain/internal/share"
	"github.com/macoaure/privacychain/internal/storage"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string
	Storage    string
	RateLimit  int // requests per second per client; 0 disables limiting
}

// Server is the ops API server.
type Server struct {
	store   storage.Store
	shares  *share.Service
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a Server over an already wired share service.
func NewServer(store storage.Store, shares *share.Service, cfg Config) *Server {
	return &Server{store: store, shares: shares, cfg: cfg}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)
	r.Use(instrument)
	if s.cfg.RateLimit > 0 {
		r.Use(newLimiter(s.cfg.RateLimit).handler)
	}

	r.Handle("/metrics", metrics.Handler())

	r.Get("/v1/sys/health", s.HealthHandler)
	r.Get("/v1/sys/audit-log", s.AuditLogHandler)
	r.Get("/v1/sys/stats", s.StatsHandler)

	r.Get("/v1/capabilities/{id}/validity", s.CapabilityValidityHandler)
	r.Get("/v1/locators/{locator}/capabilities", s.ActiveCapabilitiesHandler)
	r.Get("/v1/locators/{locator}/shares", s.SharesHandler)
	r.Get("/v1/locators/{locator}/history", s.HistoryHandler)
	r.Get("/v1/shares/{id}", s.ShareStatusHandler)

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
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
