package api

import (
	"fmt"
	"net/http"

	"github.com/org/templatetrust/internal/core"
	"github.com/org/templatetrust/internal/trust"
	"github.com/org/templatetrust/pkg/models"
)

// maxBulkCheck bounds the creators accepted by one bulk check.
const maxBulkCheck = 500

// TrustListHandler handles GET /v1/trust
func (s *Server) TrustListHandler(w http.ResponseWriter, r *http.Request) {
	var f trust.ListFilter
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		l, err := models.ParseTrustLevel(lvl)
		if err != nil {
			writeErr(w, err)
			return
		}
		f.Level = l
	}
	if src := r.URL.Query().Get("source"); src != "" {
		f.Source = models.Source(src)
		if !f.Source.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", src))
			return
		}
	}
	list, err := s.guard.Trust().List(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []models.TrustStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"creators": list})
}

// TrustCheckHandler handles GET /v1/trust/check?creator=
//
// The creator may be a canonical id or any form ParseCreator accepts.
func (s *Server) TrustCheckHandler(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("creator")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "creator is required")
		return
	}
	id, err := creatorID(raw)
	if err != nil {
		writeErr(w, err)
		return
	}
	st, err := s.guard.CheckTrust(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// TrustCheckBulkHandler handles POST /v1/trust/check
func (s *Server) TrustCheckBulkHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Creators []string `json:"creators"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if len(req.Creators) == 0 || len(req.Creators) > maxBulkCheck {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("creators must hold 1 to %d entries", maxBulkCheck))
		return
	}
	ids := make([]string, len(req.Creators))
	for i, raw := range req.Creators {
		id, err := creatorID(raw)
		if err != nil {
			writeErr(w, fmt.Errorf("creators[%d]: %w", i, err))
			return
		}
		ids[i] = id
	}
	list, err := s.guard.CheckMany(r.Context(), ids)
	resp := map[string]any{"creators": list}
	if err != nil {
		// Failed lookups are already reported blocked.
		resp["warnings"] = []string{err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

// AuthorizeHandler handles POST /v1/authorize
//
// The body is a plan. Unknown creators are resolved with the
// non-interactive default; nothing is executed.
func (s *Server) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	var plan core.Plan
	if err := decodeJSON(r, &plan); err != nil {
		writeErr(w, err)
		return
	}
	ev, err := s.guard.Evaluate(r.Context(), plan)
	if err != nil && len(ev.Templates) == 0 {
		writeErr(w, err)
		return
	}
	resp := map[string]any{
		"target_dir": ev.TargetDir,
		"templates":  ev.Templates,
		"denied":     ev.Denied(),
	}
	if err != nil {
		resp["warnings"] = []string{err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func creatorID(raw string) (string, error) {
	c, err := models.ParseCreator(raw)
	if err != nil {
		return "", err
	}
	return c.ID(), nil
}
