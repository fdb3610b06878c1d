package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/macoaure/privacychain/internal/storage"
)

const maxAuditLimit = 1000

// AuditLogHandler handles GET /v1/sys/audit-log
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		Kind:  q.Get("kind"),
		Limit: 100,
	}

	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxAuditLimit)
	}
	if id := q.Get("capability_id"); id != "" {
		capID, err := uuid.Parse(id)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid capability_id")
			return
		}
		filter.CapabilityID = &capID
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}

	events, err := s.store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events})
}
