package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/ryne2010/edgewatch/internal/apperr"
	"github.com/ryne2010/edgewatch/internal/middleware"
	"github.com/ryne2010/edgewatch/internal/store"
)

// errorEnvelope is spec §6's `{error: {code, message, ...}}` response body.
type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// statusFor maps an apperr.Kind to the HTTP status table in spec §6.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindAuthz:
		return http.StatusForbidden
	case apperr.KindQuota:
		return http.StatusTooManyRequests
	case apperr.KindContract:
		return http.StatusUnprocessableEntity
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	case apperr.KindIntegrity:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError converts err to the structured envelope, falling back to a
// bare 500 with the correlation id for anything not wrapped in apperr —
// spec §7's "unexpected exceptions become 500 with correlation id".
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeTypedError(w, r, http.StatusNotFound, "not_found", err.Error(), nil)
		return
	}
	if errors.Is(err, store.ErrConflict) {
		writeTypedError(w, r, http.StatusConflict, "conflict", err.Error(), nil)
		return
	}
	if appErr, ok := apperr.As(err); ok {
		writeTypedError(w, r, statusFor(appErr.Kind), string(appErr.Kind), appErr.Message, appErr.Details)
		return
	}

	requestID := middleware.RequestIDFromContext(r.Context())
	log.Printf("api: unhandled error request_id=%s: %v", requestID, err)
	writeTypedError(w, r, http.StatusInternalServerError, "internal_error", "an unexpected error occurred", nil)
}

func writeTypedError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	env := errorEnvelope{}
	env.Error.Code = code
	env.Error.Message = message
	env.Error.Details = details
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
