package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/KingCide/Mariner/internal/audit"
	"github.com/KingCide/Mariner/internal/catalog"
	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/logutil"
	"github.com/KingCide/Mariner/internal/registry"
)

// Set at startup.
var (
	Registry *registry.Registry
	// ConnectTimeout bounds a connect or test request. Zero means the
	// request context alone.
	ConnectTimeout time.Duration
)

// hostResponse flattens the descriptor JSON and adds catalog and live
// connection fields.
type hostResponse struct {
	dockerhost.Descriptor
	AutoConnect bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Status      registry.HostStatus
}

func (h hostResponse) MarshalJSON() ([]byte, error) {
	desc, err := json.Marshal(h.Descriptor)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(desc, &out); err != nil {
		return nil, err
	}
	out["autoConnect"] = h.AutoConnect
	out["createdAt"] = h.CreatedAt
	out["updatedAt"] = h.UpdatedAt
	out["status"] = h.Status
	return json.Marshal(out)
}

func toHostResponse(e *catalog.Entry) hostResponse {
	resp := hostResponse{
		Descriptor:  catalog.Redact(e.Descriptor),
		AutoConnect: e.AutoConnect,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	if Registry != nil {
		resp.Status = Registry.Status(e.Descriptor.ID)
	} else {
		resp.Status = registry.HostStatus{HostID: e.Descriptor.ID, State: registry.StateDisconnected}
	}
	return resp
}

// readHost decodes a descriptor plus the autoConnect flag from the body.
func readHost(w http.ResponseWriter, r *http.Request) (dockerhost.Descriptor, bool, error) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return dockerhost.Descriptor{}, false, err
	}
	var d dockerhost.Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		if errors.Is(err, dockerhost.ErrConfig) {
			return d, false, err
		}
		return d, false, fmt.Errorf("%w: decode host: %w", dockerhost.ErrConfig, err)
	}
	var flags struct {
		AutoConnect bool `json:"autoConnect"`
	}
	if err := json.Unmarshal(body, &flags); err != nil {
		return d, false, fmt.Errorf("%w: decode host: %w", dockerhost.ErrConfig, err)
	}
	return d, flags.AutoConnect, nil
}

func ListHosts(w http.ResponseWriter, r *http.Request) {
	entries, err := catalog.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]hostResponse, 0, len(entries))
	for i := range entries {
		out = append(out, toHostResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func GetHost(w http.ResponseWriter, r *http.Request) {
	e, err := catalog.Get(chi.URLParam(r, "hostID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHostResponse(e))
}

func CreateHost(w http.ResponseWriter, r *http.Request) {
	d, autoConnect, err := readHost(w, r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if d.ID != "" {
		if _, err := catalog.Get(d.ID); err == nil {
			writeError(w, http.StatusConflict, "host "+d.ID+" already exists")
			return
		}
	}
	e, err := catalog.Save(d, autoConnect)
	if err != nil {
		writeErr(w, err)
		return
	}
	audit.Record(audit.Entry{HostID: e.Descriptor.ID, EventType: audit.EventHostSaved, SourceIP: audit.SourceIP(r), Details: "created"})
	writeJSON(w, http.StatusCreated, toHostResponse(e))
}

// UpdateHost replaces a stored host. SSH secrets sent back in their masked
// form keep the stored value. A live connection is left alone until the
// next connect.
func UpdateHost(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostID")
	existing, err := catalog.Get(hostID)
	if err != nil {
		writeErr(w, err)
		return
	}
	d, autoConnect, err := readHost(w, r)
	if err != nil {
		writeErr(w, err)
		return
	}
	d.ID = hostID
	d = keepMaskedSecrets(d, existing.Descriptor)

	e, err := catalog.Save(d, autoConnect)
	if err != nil {
		writeErr(w, err)
		return
	}
	audit.Record(audit.Entry{HostID: hostID, EventType: audit.EventHostSaved, SourceIP: audit.SourceIP(r), Details: "updated"})
	writeJSON(w, http.StatusOK, toHostResponse(e))
}

func keepMaskedSecrets(d, stored dockerhost.Descriptor) dockerhost.Descriptor {
	in, ok := d.Config.(dockerhost.SSHConfig)
	old, okOld := stored.Config.(dockerhost.SSHConfig)
	if !ok || !okOld {
		return d
	}
	if strings.HasPrefix(in.Password, "****") {
		in.Password = old.Password
	}
	if strings.HasPrefix(in.PrivateKey, "****") {
		in.PrivateKey = old.PrivateKey
	}
	if strings.HasPrefix(in.Passphrase, "****") {
		in.Passphrase = old.Passphrase
	}
	d.Config = in
	return d
}

// DeleteHost disconnects the host and removes it from the catalog.
func DeleteHost(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostID")
	if _, err := catalog.Get(hostID); err != nil {
		writeErr(w, err)
		return
	}
	if Registry != nil {
		if err := Registry.Forget(hostID); err != nil {
			log.Warnf("[api] disconnect %s before delete: %v", logutil.SanitizeForLog(hostID), err)
		}
	}
	if err := catalog.Delete(hostID); err != nil {
		writeErr(w, err)
		return
	}
	audit.Record(audit.Entry{HostID: hostID, EventType: audit.EventHostDeleted, SourceIP: audit.SourceIP(r)})
	w.WriteHeader(http.StatusNoContent)
}

// TestHost checks a descriptor without registering or storing anything.
func TestHost(w http.ResponseWriter, r *http.Request) {
	d, _, err := readHost(w, r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if d.ID == "" {
		d.ID = "adhoc"
	}
	if err := d.Validate(); err != nil {
		writeErr(w, err)
		return
	}

	ctx := r.Context()
	if ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ConnectTimeout)
		defer cancel()
	}
	ok, err := Registry.TestConnection(ctx, d)
	resp := map[string]any{"success": ok}
	if err != nil {
		resp["error"] = err.Error()
		resp["kind"] = dockerhost.KindOf(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ConnectHost connects a catalog host by id.
func ConnectHost(w http.ResponseWriter, r *http.Request) {
	e, err := catalog.Get(chi.URLParam(r, "hostID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	connect(w, r, e.Descriptor)
}

// Connect connects an ad-hoc descriptor given in the body. Nothing is
// stored in the catalog.
func Connect(w http.ResponseWriter, r *http.Request) {
	d, _, err := readHost(w, r)
	if err != nil {
		writeErr(w, err)
		return
	}
	connect(w, r, d)
}

func connect(w http.ResponseWriter, r *http.Request, d dockerhost.Descriptor) {
	ctx := r.Context()
	if ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ConnectTimeout)
		defer cancel()
	}
	summary, err := Registry.Connect(ctx, d)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"host_id": d.ID,
		"summary": summary,
	})
}

func DisconnectHost(w http.ResponseWriter, r *http.Request) {
	if err := Registry.Disconnect(chi.URLParam(r, "hostID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	registry.HostStatus
	Transitions []registry.Transition `json:"transitions"`
}

func HostStatus(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostID")
	transitions := Registry.Transitions(hostID)
	if transitions == nil {
		transitions = []registry.Transition{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		HostStatus:  Registry.Status(hostID),
		Transitions: transitions,
	})
}

func ListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Registry.List())
}
