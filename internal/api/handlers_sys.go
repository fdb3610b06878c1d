package api

import (
	"net/http"

	"github.com/macoaure/privacychain/internal/storage"
	"github.com/rs/zerolog"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	storeOK := true
	if _, err := s.store.ListAuditEvents(r.Context(), storage.AuditFilter{Limit: 1}); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("health probe failed")
		code = http.StatusServiceUnavailable
		storeOK = false
	}
	writeJSON(w, code, map[string]any{
		"storage":    s.cfg.Storage,
		"storage_ok": storeOK,
		"version":    "1.0.0",
	})
}

// StatsHandler handles GET /v1/sys/stats?locator=
// An empty locator aggregates across every locator.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.shares.Stats(r.Context(), r.URL.Query().Get("locator"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}
