package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/macoaure/privacychain/pkg/models"
	"github.com/rs/zerolog"
)

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string][]string{"errors": {msg}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeEngineError maps engine errors to status codes.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidLocator), errors.Is(err, models.ErrInvalidPublicKey),
		errors.Is(err, models.ErrInvalidRequest):
		code = http.StatusBadRequest
	case models.IsRetryable(err):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

// locatorParam returns the {locator} path segment. Locators may contain
// slashes, so clients send them path-escaped.
func locatorParam(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "locator"))
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}
