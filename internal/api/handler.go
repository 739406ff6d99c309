// Package api provides the HTTP handlers for the hub API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/akulov/nbhub/internal/hub"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// HubError maps a lifecycle error onto its HTTP status. Validation,
// conflict and lifecycle-state errors are all 400-class with a descriptive
// message; internal detail stays out of the response body.
func HubError(w http.ResponseWriter, err error) {
	switch hub.KindOf(err) {
	case hub.KindForbidden, hub.KindFeatureDisabled:
		Error(w, http.StatusForbidden, err.Error())
	case hub.KindNotFound:
		Error(w, http.StatusNotFound, err.Error())
	case hub.KindBadRequest, hub.KindConflict, hub.KindServerBusy,
		hub.KindNotRunning, hub.KindProvisioningFailed:
		Error(w, http.StatusBadRequest, err.Error())
	default:
		Error(w, http.StatusInternalServerError, "internal server error")
	}
}
