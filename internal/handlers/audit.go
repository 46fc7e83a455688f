package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/KingCide/Mariner/internal/audit"
)

// GetAuditLog handles GET /audit. Filters: host, event, outcome, since,
// until (RFC 3339), limit, offset.
func GetAuditLog(w http.ResponseWriter, r *http.Request) {
	a := audit.Global()
	if a == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not enabled")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		HostID:    q.Get("host"),
		EventType: q.Get("event"),
		Outcome:   q.Get("outcome"),
	}
	for key, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, key+" must be an RFC 3339 time")
				return
			}
			*dst = &t
		}
	}
	for key, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, key+" must be a non-negative integer")
				return
			}
			*dst = n
		}
	}

	res, err := a.Query(opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
