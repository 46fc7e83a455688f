package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/KingCide/Mariner/internal/audit"
)

func ListImages(w http.ResponseWriter, r *http.Request) {
	images, err := Dispatcher.ListImages(r.Context(), chi.URLParam(r, "hostID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

type pullRequest struct {
	Image string `json:"image"`
}

func PullImage(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	hostID := chi.URLParam(r, "hostID")
	res, err := Dispatcher.PullImage(r.Context(), hostID, req.Image)
	audit.RecordResult(audit.Entry{
		HostID: hostID, EventType: audit.EventImageOp, Target: req.Image,
		SourceIP: audit.SourceIP(r), Details: "pull",
	}, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func ExportImage(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")
	aw := &attachmentWriter{w: w, filename: imageID + ".tar"}
	n, err := Dispatcher.ExportImage(r.Context(), chi.URLParam(r, "hostID"), imageID, aw)
	aw.finish(err, n)
}

// DeleteImage handles DELETE /hosts/{hostID}/images/{imageID}?force=true.
func DeleteImage(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostID")
	imageID := chi.URLParam(r, "imageID")
	err := Dispatcher.DeleteImage(r.Context(), hostID, imageID, queryBool(r, "force"))
	audit.RecordResult(audit.Entry{
		HostID: hostID, EventType: audit.EventImageOp, Target: imageID,
		SourceIP: audit.SourceIP(r), Details: "remove",
	}, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ListVolumes(w http.ResponseWriter, r *http.Request) {
	vols, err := Dispatcher.ListVolumes(r.Context(), chi.URLParam(r, "hostID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vols)
}

func ListNetworks(w http.ResponseWriter, r *http.Request) {
	nets, err := Dispatcher.ListNetworks(r.Context(), chi.URLParam(r, "hostID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nets)
}
