package api

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.guard.Trust().Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("health check: trust store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"healthy": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":         true,
		"entries":         st.Total,
		"sandbox_enabled": s.guard.Policy().SandboxEnabled(),
	})
}

// StatsHandler handles GET /v1/stats
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.guard.Trust().Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	s.metrics.ObserveStats(st)
	writeJSON(w, http.StatusOK, st)
}
