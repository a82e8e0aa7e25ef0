package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/org/templatetrust/internal/audit"
	"github.com/org/templatetrust/pkg/models"
)

// maxAuditLimit caps entries returned by a single audit query.
const maxAuditLimit = 1000

// AuditQueryHandler handles GET /v1/audit
//
// Query parameters: creator, action, since (RFC 3339), limit, archive.
func (s *Server) AuditQueryHandler(w http.ResponseWriter, r *http.Request) {
	q, err := parseAuditQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries, err := s.audit.Query(r.Context(), q)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"summary": audit.Summarize(entries),
	})
}

func parseAuditQuery(r *http.Request) (audit.Query, error) {
	v := r.URL.Query()
	q := audit.Query{CreatorID: v.Get("creator"), Limit: 100}
	if a := v.Get("action"); a != "" {
		action, err := models.ParseAction(a)
		if err != nil {
			return q, err
		}
		q.Action = action
	}
	if since := v.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return q, fmt.Errorf("%w: since: %v", models.ErrValidation, err)
		}
		q.Since = &t
	}
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return q, fmt.Errorf("%w: limit must be a non-negative integer", models.ErrValidation)
		}
		q.Limit = n
	}
	if q.Limit == 0 || q.Limit > maxAuditLimit {
		q.Limit = maxAuditLimit
	}
	if a := v.Get("archive"); a != "" {
		b, err := strconv.ParseBool(a)
		if err != nil {
			return q, fmt.Errorf("%w: archive: %v", models.ErrValidation, err)
		}
		q.IncludeArchive = b
	}
	return q, nil
}
