package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"realcast-live/internal/apperr"
	"realcast-live/internal/observability/logging"
)

// Reason codes for request problems that never reach the hub.
const (
	CodeBadRequest       = "bad_request"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeNotFound         = "not_found"
	CodeUnavailable      = "unavailable"
)

var errBodyRequired = errors.New("request body is required")

// WriteJSON encodes payload with status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteCode writes {"error": code} with status.
func WriteCode(w http.ResponseWriter, status int, code string) {
	WriteJSON(w, status, map[string]string{"error": code})
}

// WriteError maps err to its status and reason code. Internal failures are
// logged with the request-scoped logger; the cause never reaches the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && r != nil {
		logging.OrDefault(logging.LoggerFromContext(r.Context())).Error("request failed", "path", r.URL.Path, "error", err)
	}
	WriteCode(w, status, apperr.CodeOf(err))
}

// WriteMethodNotAllowed responds with 405 and the allowed methods.
func WriteMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	WriteCode(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errBodyRequired
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// decodeAndValidate decodes the body into dest, answering 400 on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := decodeJSON(r, dest); err != nil {
		WriteCode(w, http.StatusBadRequest, CodeBadRequest)
		return false
	}
	return true
}
