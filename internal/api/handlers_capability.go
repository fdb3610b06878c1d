package api

import (
	"net/http"
	"time"

	"github.com/macoaure/privacychain/pkg/models"
)

type validityResponse struct {
	CapabilityID string               `json:"capability_id"`
	Valid        bool                 `json:"valid"`
	Reason       models.InvalidReason `json:"reason,omitempty"`
	CheckedAt    time.Time            `json:"checked_at"`
}

// CapabilityValidityHandler handles GET /v1/capabilities/{id}/validity
func (s *Server) CapabilityValidityHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid capability id")
		return
	}
	v, err := s.shares.CheckValidity(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validityResponse{
		CapabilityID: id.String(),
		Valid:        v.Valid,
		Reason:       v.Reason,
		CheckedAt:    time.Now().UTC(),
	})
}

// ActiveCapabilitiesHandler handles GET /v1/locators/{locator}/capabilities
func (s *Server) ActiveCapabilitiesHandler(w http.ResponseWriter, r *http.Request) {
	locator, err := locatorParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid locator escaping")
		return
	}
	caps, err := s.shares.ListActiveCapabilities(r.Context(), locator)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": caps})
}

// SharesHandler handles GET /v1/locators/{locator}/shares?active=true
func (s *Server) SharesHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	locator, err := locatorParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid locator escaping")
		return
	}
	shares, err := s.shares.ListShares(r.Context(), locator, activeOnly)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	for _, sr := range shares {
		summarize(sr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": shares})
}

// ShareStatusHandler handles GET /v1/shares/{id}
func (s *Server) ShareStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid share id")
		return
	}
	sr, err := s.shares.GetShare(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	summarize(sr)
	writeJSON(w, http.StatusOK, map[string]any{"data": sr})
}

// HistoryHandler handles GET /v1/locators/{locator}/history
// Ciphertexts are omitted; only record metadata is listed.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	locator, err := locatorParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid locator escaping")
		return
	}
	records, err := s.shares.History(r.Context(), locator)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	type entry struct {
		ID             string           `json:"id"`
		OwnerPublicKey models.PublicKey `json:"owner_public_key"`
		CreatedAt      time.Time        `json:"created_at"`
	}
	out := make([]entry, 0, len(records))
	for _, rec := range records {
		out = append(out, entry{ID: rec.ID.String(), OwnerPublicKey: rec.OwnerPublicKey, CreatedAt: rec.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// summarize drops the ciphertext-bearing parts of a share. The capability
// stays so callers can see expiry and revocation state.
func summarize(sr *models.ShareRecord) {
	sr.Record = nil
	sr.Package = nil
}
