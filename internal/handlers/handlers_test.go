package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/KingCide/Mariner/internal/audit"
	"github.com/KingCide/Mariner/internal/catalog"
	"github.com/KingCide/Mariner/internal/crypto"
	"github.com/KingCide/Mariner/internal/database"
	"github.com/KingCide/Mariner/internal/dispatcher"
	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/engine"
	"github.com/KingCide/Mariner/internal/engine/enginetest"
	"github.com/KingCide/Mariner/internal/monitor"
	"github.com/KingCide/Mariner/internal/registry"
)

type testEnv struct {
	api    *httptest.Server
	engine *enginetest.Engine
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	if err := database.Init(filepath.Join(t.TempDir(), "api.db")); err != nil {
		t.Fatalf("init db: %v", err)
	}
	crypto.ResetKeyCache()
	audit.SetGlobal(audit.NewAuditor(database.DB, 0))

	eng := enginetest.New(t, "box")
	Registry = registry.New(registry.Options{Builder: &engine.Factory{ProbeTimeout: 5 * time.Second}})
	Dispatcher = dispatcher.New(Registry)
	StatsInterval = 20 * time.Millisecond

	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Route("/api/v1", APIRoutes)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		Registry.CleanupAll()
		Registry = nil
		Dispatcher = nil
		StatsInterval = 2 * time.Second
		audit.SetGlobal(nil)
		database.Close()
		crypto.ResetKeyCache()
	})
	return &testEnv{api: srv, engine: eng}
}

func (e *testEnv) tcpHost(id string) dockerhost.Descriptor {
	host, _, _ := net.SplitHostPort(e.engine.Listener.Addr().String())
	return dockerhost.Descriptor{ID: id, Name: "Box " + id, Config: dockerhost.TCPConfig{Host: host, Port: e.engine.Port()}}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.api.URL+"/api/v1"+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func (e *testEnv) connect(t *testing.T, id string) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/connections", e.tcpHost(id))
	expectStatus(t, resp, http.StatusOK)
}

func registerContainer(eng *enginetest.Engine) {
	eng.JSON("GET /containers/json", http.StatusOK, []map[string]any{
		{"Id": "aaa111", "Names": []string{"/web"}, "Image": "nginx:1.27", "State": "running", "Status": "Up 2 hours"},
	})
	eng.Handle("GET /containers/{id}/json", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id != "aaa111" {
			enginetest.WriteError(w, http.StatusNotFound, "No such container: "+id)
			return
		}
		enginetest.WriteJSON(w, http.StatusOK, map[string]any{
			"Id":      id,
			"Name":    "/web",
			"Created": "2024-05-01T10:00:00Z",
			"State":   map[string]any{"Running": true, "Status": "running"},
			"Config":  map[string]any{"Image": "nginx:1.27"},
		})
	})
}

func TestHostCatalogCRUD(t *testing.T) {
	env := setupEnv(t)

	d := env.tcpHost("edge")
	resp := env.do(t, http.MethodPost, "/hosts", map[string]any{
		"id": d.ID, "name": d.Name, "connectionType": "tcp", "autoConnect": true,
		"config": d.Config,
	})
	expectStatus(t, resp, http.StatusCreated)

	resp = env.do(t, http.MethodPost, "/hosts", d)
	expectStatus(t, resp, http.StatusConflict)

	resp = env.do(t, http.MethodGet, "/hosts", nil)
	expectStatus(t, resp, http.StatusOK)
	hosts := decode[[]map[string]any](t, resp)
	if len(hosts) != 1 || hosts[0]["id"] != "edge" || hosts[0]["autoConnect"] != true {
		t.Fatalf("unexpected list: %v", hosts)
	}
	status, _ := hosts[0]["status"].(map[string]any)
	if status["state"] != string(registry.StateDisconnected) {
		t.Errorf("state = %v", status["state"])
	}

	d.Name = "Renamed"
	resp = env.do(t, http.MethodPut, "/hosts/edge", d)
	expectStatus(t, resp, http.StatusOK)
	if got, _ := catalog.Get("edge"); got == nil || got.Descriptor.Name != "Renamed" || got.AutoConnect {
		t.Errorf("update not stored: %+v", got)
	}

	resp = env.do(t, http.MethodDelete, "/hosts/edge", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp = env.do(t, http.MethodGet, "/hosts/edge", nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestCreateHostRejectsInvalidConfig(t *testing.T) {
	env := setupEnv(t)

	resp := env.do(t, http.MethodPost, "/hosts", map[string]any{"id": "x", "connectionType": "serial"})
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[errorBody](t, resp); body.Kind != "config" {
		t.Errorf("kind = %q", body.Kind)
	}

	resp = env.do(t, http.MethodPost, "/hosts", map[string]any{
		"id": "x", "connectionType": "ssh", "config": map[string]any{"host": "10.0.0.5"},
	})
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestUpdateHostKeepsMaskedSecrets(t *testing.T) {
	env := setupEnv(t)

	d := dockerhost.Descriptor{ID: "vm", Config: dockerhost.SSHConfig{
		Host: "10.0.0.5", Username: "ops", Password: "correct-horse-battery",
	}}
	expectStatus(t, env.do(t, http.MethodPost, "/hosts", d), http.StatusCreated)

	resp := env.do(t, http.MethodGet, "/hosts/vm", nil)
	expectStatus(t, resp, http.StatusOK)
	got := decode[map[string]any](t, resp)
	cfg, _ := got["config"].(map[string]any)
	masked, _ := cfg["password"].(string)
	if masked == "" || strings.Contains(masked, "horse") {
		t.Fatalf("password not masked: %q", masked)
	}

	cfg["host"] = "10.0.0.6"
	got["name"] = "VM"
	expectStatus(t, env.do(t, http.MethodPut, "/hosts/vm", got), http.StatusOK)

	stored, err := catalog.Get("vm")
	if err != nil {
		t.Fatal(err)
	}
	ssh := stored.Descriptor.Config.(dockerhost.SSHConfig)
	if ssh.Password != "correct-horse-battery" || ssh.Host != "10.0.0.6" {
		t.Errorf("stored config = %+v", ssh)
	}
}

func TestConnectStatusAndDisconnect(t *testing.T) {
	env := setupEnv(t)

	d := env.tcpHost("edge")
	if _, err := catalog.Save(d, false); err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, http.MethodPost, "/hosts/edge/connect", nil)
	expectStatus(t, resp, http.StatusOK)
	body := decode[struct {
		HostID  string                 `json:"host_id"`
		Summary dockerhost.HostSummary `json:"summary"`
	}](t, resp)
	if body.HostID != "edge" || body.Summary.Name != "box" || body.Summary.Images != 12 {
		t.Errorf("unexpected connect response: %+v", body)
	}

	resp = env.do(t, http.MethodGet, "/hosts/edge/status", nil)
	expectStatus(t, resp, http.StatusOK)
	st := decode[statusResponse](t, resp)
	if st.State != registry.StateConnected || st.Summary == nil || len(st.Transitions) < 2 {
		t.Errorf("unexpected status: %+v", st)
	}

	resp = env.do(t, http.MethodGet, "/connections", nil)
	if list := decode[[]registry.HostStatus](t, resp); len(list) != 1 {
		t.Errorf("connections = %+v", list)
	}

	expectStatus(t, env.do(t, http.MethodDelete, "/hosts/edge/connection", nil), http.StatusNoContent)
	// Disconnecting again is a no-op.
	expectStatus(t, env.do(t, http.MethodDelete, "/hosts/edge/connection", nil), http.StatusNoContent)

	resp = env.do(t, http.MethodGet, "/hosts/edge/containers", nil)
	expectStatus(t, resp, http.StatusConflict)
	if body := decode[errorBody](t, resp); body.Kind != "not_connected" {
		t.Errorf("kind = %q", body.Kind)
	}
}

func TestConnectUnreachableEngine(t *testing.T) {
	env := setupEnv(t)
	env.engine.Fail.Store(true)

	resp := env.do(t, http.MethodPost, "/connections", env.tcpHost("edge"))
	expectStatus(t, resp, http.StatusBadGateway)
	if body := decode[errorBody](t, resp); body.Kind != "connect" {
		t.Errorf("kind = %q", body.Kind)
	}
	if Registry.Count() != 0 {
		t.Error("failed connect left an entry")
	}
}

func TestTestHost(t *testing.T) {
	env := setupEnv(t)

	resp := env.do(t, http.MethodPost, "/hosts/test", env.tcpHost(""))
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]any](t, resp); got["success"] != true {
		t.Errorf("test result = %v", got)
	}
	if Registry.Count() != 0 {
		t.Error("test registered a connection")
	}

	env.engine.Fail.Store(true)
	resp = env.do(t, http.MethodPost, "/hosts/test", env.tcpHost("edge"))
	expectStatus(t, resp, http.StatusOK)
	got := decode[map[string]any](t, resp)
	if got["success"] != false || got["kind"] != "connect" {
		t.Errorf("test result = %v", got)
	}
}

func TestListContainersAndActions(t *testing.T) {
	env := setupEnv(t)
	registerContainer(env.engine)
	env.engine.Handle("POST /containers/{id}/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "aaa111" {
			enginetest.WriteError(w, http.StatusNotFound, "No such container")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	env.connect(t, "edge")

	resp := env.do(t, http.MethodGet, "/hosts/edge/containers", nil)
	expectStatus(t, resp, http.StatusOK)
	list := decode[dispatcher.ContainerList](t, resp)
	if len(list.Containers) != 1 || list.Containers[0].Name != "web" || list.Stats.RunningCount != 1 {
		t.Errorf("unexpected list: %+v", list)
	}

	expectStatus(t, env.do(t, http.MethodPost, "/hosts/edge/containers/aaa111/restart", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, "/hosts/edge/containers/zzz/restart", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodPost, "/hosts/edge/containers/aaa111/explode", nil), http.StatusBadRequest)

	resp = env.do(t, http.MethodGet, "/audit?host=edge&event=container_op", nil)
	expectStatus(t, resp, http.StatusOK)
	logged := decode[audit.QueryResult](t, resp)
	if logged.Total != 2 {
		t.Fatalf("audit entries = %+v", logged.Entries)
	}
	// Newest first.
	if logged.Entries[0].Target != "zzz" || logged.Entries[0].Outcome != audit.OutcomeFailure {
		t.Errorf("latest entry = %+v", logged.Entries[0])
	}
	if logged.Entries[1].Details != "restart" || logged.Entries[1].SourceIP != "127.0.0.1" {
		t.Errorf("first entry = %+v", logged.Entries[1])
	}

	expectStatus(t, env.do(t, http.MethodGet, "/audit?since=yesterday", nil), http.StatusBadRequest)
}

func TestBatchContainers(t *testing.T) {
	env := setupEnv(t)
	env.engine.Handle("POST /containers/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "bad" {
			enginetest.WriteError(w, http.StatusInternalServerError, "cannot stop")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	env.connect(t, "edge")

	resp := env.do(t, http.MethodPost, "/hosts/edge/containers/batch", batchRequest{
		Action: "stop", IDs: []string{"a", "bad", "b", "a"},
	})
	expectStatus(t, resp, http.StatusOK)
	res := decode[dispatcher.BatchResult](t, resp)
	if len(res.Success) != 2 || len(res.Failed) != 1 || res.Failed[0].ID != "bad" {
		t.Errorf("unexpected batch result: %+v", res)
	}

	resp = env.do(t, http.MethodPost, "/hosts/edge/containers/batch", batchRequest{Action: "nuke", IDs: []string{"a"}})
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestRenameRequiresName(t *testing.T) {
	env := setupEnv(t)
	env.connect(t, "edge")
	expectStatus(t, env.do(t, http.MethodPut, "/hosts/edge/containers/aaa111/name", renameRequest{}), http.StatusBadRequest)
}

func TestExportContainer(t *testing.T) {
	env := setupEnv(t)
	env.engine.Handle("GET /containers/{id}/export", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "aaa111" {
			enginetest.WriteError(w, http.StatusNotFound, "No such container")
			return
		}
		w.Header().Set("Content-Type", "application/x-tar")
		w.Write([]byte("tar-bytes"))
	})
	env.connect(t, "edge")

	resp := env.do(t, http.MethodGet, "/hosts/edge/containers/aaa111/export", nil)
	expectStatus(t, resp, http.StatusOK)
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, `filename="aaa111.tar"`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if body, _ := io.ReadAll(resp.Body); string(body) != "tar-bytes" {
		t.Errorf("body = %q", body)
	}

	resp = env.do(t, http.MethodGet, "/hosts/edge/containers/missing/export", nil)
	expectStatus(t, resp, http.StatusNotFound)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestCommitAndUpdateContainer(t *testing.T) {
	env := setupEnv(t)
	env.engine.Handle("POST /commit", func(w http.ResponseWriter, r *http.Request) {
		enginetest.WriteJSON(w, http.StatusCreated, map[string]string{"Id": "sha256:c0ffee"})
	})
	env.engine.JSON("POST /containers/{id}/update", http.StatusOK, map[string]any{"Warnings": []string{}})
	env.connect(t, "edge")

	resp := env.do(t, http.MethodPost, "/hosts/edge/containers/aaa111/commit", dispatcher.CommitOptions{Repo: "acme/web", Tag: "snap"})
	expectStatus(t, resp, http.StatusCreated)
	res := decode[dispatcher.CommitResult](t, resp)
	if res.ImageID != "sha256:c0ffee" || res.Reference != "acme/web:snap" {
		t.Errorf("commit result = %+v", res)
	}
	expectStatus(t, env.do(t, http.MethodPost, "/hosts/edge/containers/aaa111/commit", dispatcher.CommitOptions{}), http.StatusBadRequest)

	resp = env.do(t, http.MethodPost, "/hosts/edge/containers/aaa111/update", dispatcher.UpdateOptions{Memory: "512m"})
	expectStatus(t, resp, http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, "/hosts/edge/containers/aaa111/update", dispatcher.UpdateOptions{}), http.StatusBadRequest)

	resp = env.do(t, http.MethodGet, "/audit?host=edge&event=container_op", nil)
	expectStatus(t, resp, http.StatusOK)
	logged := decode[audit.QueryResult](t, resp)
	if logged.Total != 4 {
		t.Fatalf("audit entries = %+v", logged.Entries)
	}
	if logged.Entries[3].Details != "commit as acme/web:snap" || logged.Entries[3].Outcome != audit.OutcomeSuccess {
		t.Errorf("commit entry = %+v", logged.Entries[3])
	}
	if logged.Entries[0].Details != "update" || logged.Entries[0].Outcome != audit.OutcomeFailure {
		t.Errorf("rejected update entry = %+v", logged.Entries[0])
	}
}

func TestContainerArchiveCopy(t *testing.T) {
	env := setupEnv(t)
	env.engine.Handle("GET /containers/{id}/archive", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("path") != "/var/log/app" {
			enginetest.WriteError(w, http.StatusNotFound, "Could not find the file")
			return
		}
		stat := base64.StdEncoding.EncodeToString([]byte(`{"name":"app","size":4,"mtime":"2024-05-01T10:00:00Z"}`))
		w.Header().Set("X-Docker-Container-Path-Stat", stat)
		w.Write([]byte("logs"))
	})
	var uploaded []byte
	env.engine.Handle("PUT /containers/{id}/archive", func(w http.ResponseWriter, r *http.Request) {
		uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	env.connect(t, "edge")

	resp := env.do(t, http.MethodGet, "/hosts/edge/containers/aaa111/archive?path=/var/log/app", nil)
	expectStatus(t, resp, http.StatusOK)
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, `filename="app.tar"`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "Wed, 01 May 2024 10:00:00 GMT" {
		t.Errorf("Last-Modified = %q", lm)
	}
	if body, _ := io.ReadAll(resp.Body); string(body) != "logs" {
		t.Errorf("body = %q", body)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/hosts/edge/containers/aaa111/archive?path=/missing", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodGet, "/hosts/edge/containers/aaa111/archive", nil), http.StatusBadRequest)

	req, err := http.NewRequest(http.MethodPut, env.api.URL+"/api/v1/hosts/edge/containers/aaa111/archive?path=/srv", strings.NewReader("tarball"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-tar")
	put, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer put.Body.Close()
	expectStatus(t, put, http.StatusNoContent)
	if string(uploaded) != "tarball" {
		t.Errorf("engine received %q", uploaded)
	}
}

func TestTruncateReasonKeepsRunes(t *testing.T) {
	short := "host not connected"
	if got := truncateReason(short); got != short {
		t.Errorf("short reason changed: %q", got)
	}
	// 119 ASCII bytes followed by a 3-byte rune straddling the limit.
	long := strings.Repeat("a", 119) + "€" + "tail"
	got := truncateReason(long)
	if !utf8.ValidString(got) {
		t.Fatalf("reason split a rune: %q", got)
	}
	if got != strings.Repeat("a", 119) {
		t.Errorf("truncated to %d bytes: %q", len(got), got)
	}
	if len(truncateReason(strings.Repeat("é", 100))) > 120 {
		t.Error("reason longer than limit")
	}
}

func TestPullImageValidation(t *testing.T) {
	env := setupEnv(t)
	env.connect(t, "edge")
	expectStatus(t, env.do(t, http.MethodPost, "/hosts/edge/images/pull", pullRequest{}), http.StatusBadRequest)
}

func TestContainerLogsTailValidation(t *testing.T) {
	env := setupEnv(t)
	env.connect(t, "edge")
	expectStatus(t, env.do(t, http.MethodGet, "/hosts/edge/containers/aaa111/logs?tail=-3", nil), http.StatusBadRequest)
}

const statsSample = `{
  "read": "2024-05-01T10:00:00Z",
  "cpu_stats": {"cpu_usage": {"total_usage": 1200}, "system_cpu_usage": 11000, "online_cpus": 2},
  "precpu_stats": {"cpu_usage": {"total_usage": 1000}, "system_cpu_usage": 10000},
  "memory_stats": {"usage": 100, "limit": 400}
}`

func wsURL(env *testEnv, path string) string {
	return "ws" + strings.TrimPrefix(env.api.URL, "http") + "/api/v1" + path
}

func TestStreamContainerStats(t *testing.T) {
	env := setupEnv(t)
	env.engine.Handle("GET /containers/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "aaa111" {
			enginetest.WriteError(w, http.StatusNotFound, "No such container")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(statsSample))
	})
	env.connect(t, "edge")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(env, "/hosts/edge/containers/aaa111/stats/stream"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	for i := 0; i < 2; i++ {
		var s dispatcher.ContainerStats
		if err := wsjson.Read(ctx, conn, &s); err != nil {
			t.Fatalf("read sample %d: %v", i, err)
		}
		if s.ContainerID != "aaa111" || s.Memory.Percent != 25 {
			t.Errorf("sample %d = %+v", i, s)
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")

	conn2, _, err := websocket.Dial(ctx, wsURL(env, "/hosts/edge/containers/missing/stats/stream"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.CloseNow()
	_, _, err = conn2.Read(ctx)
	if code := websocket.CloseStatus(err); code != 4004 {
		t.Errorf("close status = %d (%v), want 4004", code, err)
	}
}

func TestStreamStatsNotConnected(t *testing.T) {
	env := setupEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(env, "/hosts/ghost/containers/aaa111/stats/stream"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	_, _, err = conn.Read(ctx)
	if code := websocket.CloseStatus(err); code != 4009 {
		t.Errorf("close status = %d (%v), want 4009", code, err)
	}
}

func TestHealthCheck(t *testing.T) {
	env := setupEnv(t)
	env.connect(t, "edge")

	resp, err := http.Get(env.api.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got := decode[map[string]any](t, resp)
	if got["status"] != "healthy" || got["connected_hosts"] != float64(1) {
		t.Errorf("health = %v", got)
	}
}

func TestHostHealthRefresh(t *testing.T) {
	env := setupEnv(t)
	expectStatus(t, env.do(t, http.MethodGet, "/connections/health", nil), http.StatusServiceUnavailable)

	m, err := monitor.New(Registry, "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	HealthMonitor = m
	t.Cleanup(func() { HealthMonitor = nil })
	env.connect(t, "edge")

	resp := env.do(t, http.MethodGet, "/connections/health?refresh=true", nil)
	expectStatus(t, resp, http.StatusOK)
	got := decode[struct {
		Results []registry.HealthResult `json:"results"`
	}](t, resp)
	if len(got.Results) != 1 || !got.Results[0].Healthy || got.Results[0].HostID != "edge" {
		t.Errorf("results = %+v", got.Results)
	}
}
