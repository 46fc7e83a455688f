package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	cerrdefs "github.com/containerd/errdefs"
	log "github.com/sirupsen/logrus"

	"github.com/KingCide/Mariner/internal/catalog"
	"github.com/KingCide/Mariner/internal/dockerhost"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail, Kind: "request"})
}

// writeErr maps an error class to a status code and writes the error body.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Warnf("[api] %v", err)
	}
	writeJSON(w, status, errorBody{Detail: err.Error(), Kind: dockerhost.KindOf(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dockerhost.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, dockerhost.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, dockerhost.ErrSSH), errors.Is(err, dockerhost.ErrConnect):
		return http.StatusBadGateway
	case errors.Is(err, dockerhost.ErrOperation):
		switch {
		case cerrdefs.IsNotFound(err):
			return http.StatusNotFound
		case cerrdefs.IsConflict(err):
			return http.StatusConflict
		case cerrdefs.IsInvalidArgument(err):
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a JSON request body into v, rejecting bodies over 1MiB.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}
