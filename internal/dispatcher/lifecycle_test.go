package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"

	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/engine/enginetest"
)

func TestCommitContainer(t *testing.T) {
	eng := enginetest.New(t, "box")
	var query url.Values
	eng.Handle("POST /commit", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		enginetest.WriteJSON(w, http.StatusCreated, map[string]string{"Id": "sha256:feedbeef"})
	})
	d := newTestDispatcher(t, eng)

	res, err := d.CommitContainer(context.Background(), "h1", "c1", CommitOptions{
		Repo: "acme/web", Comment: "snapshot", Changes: []string{"ENV A=1", "EXPOSE 80"},
	})
	if err != nil {
		t.Fatalf("CommitContainer: %v", err)
	}
	if res.ImageID != "sha256:feedbeef" || res.Reference != "acme/web:latest" {
		t.Errorf("result = %+v", res)
	}
	if query.Get("container") != "c1" || query.Get("repo") != "acme/web" || query.Get("tag") != "latest" {
		t.Errorf("engine saw %v", query)
	}
	if len(query["changes"]) != 2 || query.Get("comment") != "snapshot" {
		t.Errorf("changes/comment lost: %v", query)
	}
	if query.Has("pause") {
		t.Errorf("pause should default to true, engine saw pause=%q", query.Get("pause"))
	}

	noPause := false
	if _, err := d.CommitContainer(context.Background(), "h1", "c1", CommitOptions{Repo: "acme/web", Tag: "v2", Pause: &noPause}); err != nil {
		t.Fatalf("CommitContainer: %v", err)
	}
	if query.Get("tag") != "v2" || query.Get("pause") != "0" {
		t.Errorf("engine saw %v", query)
	}
}

func TestCommitReference(t *testing.T) {
	tests := []struct {
		repo, tag string
		want      string
		wantErr   bool
	}{
		{"web", "", "web:latest", false},
		{"registry.local:5000/team/web", "1.0", "registry.local:5000/team/web:1.0", false},
		{"web:stable", "", "web:stable", false},
		{"web:stable", "1.0", "", true},
		{"", "", "", true},
		{"Not Valid", "", "", true},
		{"web", "bad tag", "", true},
		{"web@sha256:" + "0123456789012345678901234567890123456789012345678901234567890123", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.repo+":"+tt.tag, func(t *testing.T) {
			got, err := commitReference(tt.repo, tt.tag)
			if tt.wantErr {
				if !cerrdefs.IsInvalidArgument(err) || !errors.Is(err, dockerhost.ErrOperation) {
					t.Fatalf("expected invalid argument, got %q, %v", got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("commitReference() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestCommitInvalidRepoMakesNoCalls(t *testing.T) {
	eng := enginetest.New(t, "box")
	d := newTestDispatcher(t, eng)
	if _, err := d.CommitContainer(context.Background(), "h1", "c1", CommitOptions{}); !cerrdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	for _, req := range eng.Requests() {
		if req == "POST /commit" {
			t.Error("engine was asked to commit")
		}
	}
}

func TestUpdateContainer(t *testing.T) {
	eng := enginetest.New(t, "box")
	var got container.UpdateConfig
	var path string
	eng.Handle("POST /containers/{id}/update", func(w http.ResponseWriter, r *http.Request) {
		path = r.PathValue("id")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			enginetest.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		enginetest.WriteJSON(w, http.StatusOK, map[string]any{"Warnings": []string{"swap limit ignored"}})
	})
	d := newTestDispatcher(t, eng)

	warnings, err := d.UpdateContainer(context.Background(), "h1", "c1", UpdateOptions{
		CPUShares:     512,
		Memory:        "256m",
		MemorySwap:    "-1",
		CpusetCpus:    "0-1",
		RestartPolicy: &RestartPolicy{Name: "on-failure", MaximumRetryCount: 3},
	})
	if err != nil {
		t.Fatalf("UpdateContainer: %v", err)
	}
	if path != "c1" {
		t.Errorf("updated %q", path)
	}
	if len(warnings) != 1 || warnings[0] != "swap limit ignored" {
		t.Errorf("warnings = %v", warnings)
	}
	if got.CPUShares != 512 || got.Memory != 256<<20 || got.MemorySwap != -1 || got.CpusetCpus != "0-1" {
		t.Errorf("resources = %+v", got.Resources)
	}
	if got.RestartPolicy.Name != container.RestartPolicyOnFailure || got.RestartPolicy.MaximumRetryCount != 3 {
		t.Errorf("restart policy = %+v", got.RestartPolicy)
	}
}

func TestUpdateOptionsValidation(t *testing.T) {
	tests := []struct {
		name string
		opts UpdateOptions
	}{
		{"empty", UpdateOptions{}},
		{"negative shares", UpdateOptions{CPUShares: -1}},
		{"bad memory", UpdateOptions{Memory: "lots"}},
		{"unlimited memory", UpdateOptions{Memory: "-1"}},
		{"unknown policy", UpdateOptions{RestartPolicy: &RestartPolicy{Name: "sometimes"}}},
		{"retries with always", UpdateOptions{RestartPolicy: &RestartPolicy{Name: "always", MaximumRetryCount: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.config(); !cerrdefs.IsInvalidArgument(err) {
				t.Errorf("expected invalid argument, got %v", err)
			}
		})
	}

	cfg, err := UpdateOptions{RestartPolicy: &RestartPolicy{Name: "no"}}.config()
	if err != nil || cfg.RestartPolicy.Name != container.RestartPolicyDisabled {
		t.Errorf("restart policy only: %+v, %v", cfg.RestartPolicy, err)
	}
}

func TestUpdateNotFound(t *testing.T) {
	eng := enginetest.New(t, "box")
	eng.Handle("POST /containers/{id}/update", func(w http.ResponseWriter, r *http.Request) {
		enginetest.WriteError(w, http.StatusNotFound, "No such container: "+r.PathValue("id"))
	})
	d := newTestDispatcher(t, eng)

	_, err := d.UpdateContainer(context.Background(), "h1", "gone", UpdateOptions{CPUShares: 2})
	if !errors.Is(err, dockerhost.ErrOperation) || !cerrdefs.IsNotFound(err) {
		t.Fatalf("expected not-found operation error, got %v", err)
	}
}
