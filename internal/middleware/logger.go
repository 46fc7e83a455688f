package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/KingCide/Mariner/internal/logutil"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequestLogger logs one line per request through logrus. Server errors
// log at warn level.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := log.WithFields(log.Fields{
				"method":   r.Method,
				"path":     logutil.SanitizeForLog(r.URL.Path),
				"status":   status,
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start).Round(time.Microsecond).String(),
				"remote":   r.RemoteAddr,
			})
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				entry = entry.WithField("request_id", reqID)
			}
			if status >= 500 {
				entry.Warn("[api] request")
				return
			}
			entry.Debug("[api] request")
		}()
		next.ServeHTTP(ww, r)
	})
}
