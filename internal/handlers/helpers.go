package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opsbridge/sshbroker/internal/profile"
	"github.com/opsbridge/sshbroker/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeErrorCode(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail, "code": code})
}

// writeSessionError maps the session and profile error taxonomy onto HTTP
// statuses with stable machine-readable codes.
func writeSessionError(w http.ResponseWriter, err error) {
	var connErr *session.ConnectError
	var transErr *session.TransportError
	switch {
	case errors.Is(err, session.ErrHandleNotFound):
		writeErrorCode(w, http.StatusNotFound, "handle_not_found", err.Error())
	case errors.Is(err, session.ErrHandleInUse):
		writeErrorCode(w, http.StatusConflict, "handle_in_use", err.Error())
	case errors.Is(err, session.ErrSessionBusy):
		writeErrorCode(w, http.StatusConflict, "session_busy", err.Error())
	case errors.Is(err, session.ErrSessionLost):
		writeErrorCode(w, http.StatusGone, "session_lost", err.Error())
	case errors.Is(err, profile.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, "profile_not_found", err.Error())
	case errors.As(err, &connErr):
		writeErrorCode(w, http.StatusBadGateway, "connect_failed", err.Error())
	case errors.As(err, &transErr):
		writeErrorCode(w, http.StatusBadGateway, "transport_error", err.Error())
	default:
		writeErrorCode(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}
