package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/opsbridge/sshbroker/internal/audit"
)

// AuditLog returns recent execution records, newest first. Supports
// ?handle=, ?profile=, ?since= (RFC 3339) and ?limit= filters.
func AuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp, want RFC 3339")
			return
		}
		since = ts
	}

	recs, err := audit.Query(r.URL.Query().Get("handle"), r.URL.Query().Get("profile"), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit query failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": recs,
		"count":   len(recs),
	})
}
