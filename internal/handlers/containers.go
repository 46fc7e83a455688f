package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/KingCide/Mariner/internal/audit"
	"github.com/KingCide/Mariner/internal/dispatcher"
	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/logutil"
)

// Set at startup.
var (
	Dispatcher *dispatcher.Dispatcher
	// StatsInterval is the sampling period of the stats stream.
	StatsInterval = 2 * time.Second
	// ArchiveUploadLimit caps the body of an archive upload.
	ArchiveUploadLimit int64 = 1 << 30
)

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

// ListContainers handles GET /hosts/{hostID}/containers. Pass usage=true
// to fill in host-wide CPU and memory percentages.
func ListContainers(w http.ResponseWriter, r *http.Request) {
	list, err := Dispatcher.ListContainers(r.Context(), chi.URLParam(r, "hostID"), dispatcher.ListOptions{
		IncludeUsage: queryBool(r, "usage"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func ContainerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := Dispatcher.ContainerStats(r.Context(), chi.URLParam(r, "hostID"), chi.URLParam(r, "containerID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// StreamContainerStats pushes one stats sample per StatsInterval over a
// WebSocket until the client goes away or sampling fails. Failures close
// the socket with 4004 for a missing container, 4009 for a host that is
// not connected and 4500 otherwise.
func StreamContainerStats(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostID")
	containerID := chi.URLParam(r, "containerID")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warnf("[api] accept stats websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	// Nothing is read from the client; CloseRead cancels ctx when it leaves.
	ctx := conn.CloseRead(r.Context())

	interval := StatsInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := Dispatcher.ContainerStats(ctx, hostID, containerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Infof("[api] stats stream %s/%s ended: %v",
				logutil.SanitizeForLog(hostID), logutil.SanitizeForLog(containerID), err)
			conn.Close(closeCodeFor(err), truncateReason(err.Error()))
			return
		}

		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = wsjson.Write(wctx, conn, stats)
		cancel()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func closeCodeFor(err error) websocket.StatusCode {
	switch {
	case errors.Is(err, dockerhost.ErrNotConnected):
		return 4009
	case cerrdefs.IsNotFound(err):
		return 4004
	default:
		return 4500
	}
}

// Close reasons are limited to 123 bytes. The cut backs up to a rune
// boundary.
func truncateReason(s string) string {
	const limit = 120
	if len(s) <= limit {
		return s
	}
	i := limit
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

func ContainerLogs(w http.ResponseWriter, r *http.Request) {
	tail := dispatcher.DefaultLogTail
	if q := r.URL.Query().Get("tail"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = min(n, 10000)
	}
	out, err := Dispatcher.ContainerLogs(r.Context(), chi.URLParam(r, "hostID"), chi.URLParam(r, "containerID"), tail)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func ExportContainer(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "containerID")
	aw := &attachmentWriter{w: w, filename: containerID + ".tar"}
	n, err := Dispatcher.ExportContainer(r.Context(), chi.URLParam(r, "hostID"), containerID, aw)
	aw.finish(err, n)
}

// ContainerAction handles POST /hosts/{hostID}/containers/{containerID}/{verb}.
func ContainerAction(w http.ResponseWriter, r *http.Request) {
	verb, err := dispatcher.ParseVerb(chi.URLParam(r, "verb"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hostID := chi.URLParam(r, "hostID")
	containerID := chi.URLParam(r, "containerID")
	err = Dispatcher.Perform(r.Context(), hostID, containerID, verb)
	audit.RecordResult(audit.Entry{
		HostID: hostID, EventType: audit.EventContainerOp, Target: containerID,
		SourceIP: audit.SourceIP(r), Details: string(verb),
	}, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": containerID, "action": string(verb), "status": "ok"})
}

type renameRequest struct {
	Name string `json:"name"`
}

func RenameContainer(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	hostID := chi.URLParam(r, "hostID")
	containerID := chi.URLParam(r, "containerID")
	err := Dispatcher.RenameContainer(r.Context(), hostID, containerID, req.Name)
	audit.RecordResult(audit.Entry{
		HostID: hostID, EventType: audit.EventContainerOp, Target: containerID,
		SourceIP: audit.SourceIP(r), Details: "rename to " + req.Name,
	}, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": containerID, "name": req.Name})
}

func CommitContainer(w http.ResponseWriter, r *http.Request) {
	var opts dispatcher.CommitOptions
	if err := decodeJSON(w, r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hostID := chi.URLParam(r, "hostID")
	containerID := chi.URLParam(r, "containerID")
	res, err := Dispatcher.CommitContainer(r.Context(), hostID, containerID, opts)
	entry := audit.Entry{
		HostID: hostID, EventType: audit.EventContainerOp, Target: containerID,
		SourceIP: audit.SourceIP(r), Details: "commit",
	}
	if res != nil {
		entry.Details = "commit as " + res.Reference
	}
	audit.RecordResult(entry, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func UpdateContainer(w http.ResponseWriter, r *http.Request) {
	var opts dispatcher.UpdateOptions
	if err := decodeJSON(w, r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hostID := chi.URLParam(r, "hostID")
	containerID := chi.URLParam(r, "containerID")
	warnings, err := Dispatcher.UpdateContainer(r.Context(), hostID, containerID, opts)
	audit.RecordResult(audit.Entry{
		HostID: hostID, EventType: audit.EventContainerOp, Target: containerID,
		SourceIP: audit.SourceIP(r), Details: "update",
	}, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": containerID, "warnings": warnings})
}

// CopyFromContainer handles GET .../archive?path=, answering with a tar of
// path.
func CopyFromContainer(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "containerID")
	p := r.URL.Query().Get("path")
	name := path.Base(p)
	if name == "/" || name == "." {
		name = containerID
	}
	aw := &attachmentWriter{w: w, filename: name + ".tar"}
	n, err := Dispatcher.CopyFromContainer(r.Context(), chi.URLParam(r, "hostID"), containerID, p, aw, func(st container.PathStat) {
		if !st.Mtime.IsZero() {
			w.Header().Set("Last-Modified", st.Mtime.UTC().Format(http.TimeFormat))
		}
	})
	aw.finish(err, n)
}

// CopyToContainer handles PUT .../archive?path=. The body is a tar
// archive, optionally gzip, bzip2 or xz compressed.
func CopyToContainer(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostID")
	containerID := chi.URLParam(r, "containerID")
	p := r.URL.Query().Get("path")
	body := http.MaxBytesReader(w, r.Body, ArchiveUploadLimit)
	err := Dispatcher.CopyToContainer(r.Context(), hostID, containerID, p, body)
	audit.RecordResult(audit.Entry{
		HostID: hostID, EventType: audit.EventContainerOp, Target: containerID,
		SourceIP: audit.SourceIP(r), Details: "copy archive to " + p,
	}, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchRequest struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
}

func BatchContainers(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	verb, err := dispatcher.ParseVerb(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hostID := chi.URLParam(r, "hostID")
	res, err := Dispatcher.Batch(r.Context(), hostID, req.IDs, verb)
	if err != nil {
		writeErr(w, err)
		return
	}
	entry := audit.Entry{
		HostID: hostID, EventType: audit.EventBatch, SourceIP: audit.SourceIP(r),
		Details: fmt.Sprintf("%s: %d ok, %d failed", verb, len(res.Success), len(res.Failed)),
	}
	if len(res.Failed) > 0 {
		entry.Outcome = audit.OutcomeFailure
	}
	audit.Record(entry)
	writeJSON(w, http.StatusOK, res)
}

// attachmentWriter sets download headers on the first write, so an error
// before any byte arrives can still be answered with a JSON error.
type attachmentWriter struct {
	w        http.ResponseWriter
	filename string
	started  bool
}

func (a *attachmentWriter) Write(p []byte) (int, error) {
	if !a.started {
		a.started = true
		h := a.w.Header()
		h.Set("Content-Type", "application/x-tar")
		h.Set("Content-Disposition", `attachment; filename="`+sanitizeFilename(a.filename)+`"`)
		a.w.WriteHeader(http.StatusOK)
	}
	return a.w.Write(p)
}

func (a *attachmentWriter) finish(err error, n int64) {
	switch {
	case err == nil && !a.started:
		a.Write(nil)
	case err != nil && !a.started:
		writeErr(a.w, err)
	case err != nil:
		log.Warnf("[api] download %s aborted after %d bytes: %v", logutil.SanitizeForLog(a.filename), n, err)
	}
}

func sanitizeFilename(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
