// Package enginetest serves a small Docker Engine API over HTTP so tests
// can drive real API clients: version negotiation and /info by default,
// plus any routes a test registers.
package enginetest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
)

const APIVersion = "1.45"

var versionPrefix = regexp.MustCompile(`^/v[0-9.]+`)

type Engine struct {
	*httptest.Server

	// Fail makes /info answer 500 while set.
	Fail atomic.Bool

	mu        sync.Mutex
	mux       *http.ServeMux
	requests  []string
	infoCalls atomic.Int64
	name      string
}

// New starts a fake engine reporting name as its host name.
func New(t testing.TB, name string) *Engine {
	t.Helper()
	e := &Engine{name: name, mux: http.NewServeMux()}
	e.mux.HandleFunc("/_ping", e.ping)
	e.mux.HandleFunc("GET /info", e.info)
	e.Server = httptest.NewServer(http.HandlerFunc(e.serve))
	t.Cleanup(e.Close)
	return e
}

// Handle registers a route using net/http pattern syntax, without the API
// version prefix, for example "POST /containers/{id}/start".
func (e *Engine) Handle(pattern string, h http.HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mux.HandleFunc(pattern, h)
}

// JSON registers a route answering with a fixed JSON body.
func (e *Engine) JSON(pattern string, status int, body any) {
	e.Handle(pattern, func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, body)
	})
}

// Requests returns "METHOD /path" for every request served, version
// prefix stripped.
func (e *Engine) Requests() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.requests))
	copy(out, e.requests)
	return out
}

// Port returns the TCP port the engine listens on.
func (e *Engine) Port() int {
	return e.Listener.Addr().(*net.TCPAddr).Port
}

// Host returns a docker host URL for the engine.
func (e *Engine) Host() string {
	return "tcp://" + e.Listener.Addr().String()
}

// InfoCalls returns how many /info requests were served.
func (e *Engine) InfoCalls() int64 { return e.infoCalls.Load() }

// WriteJSON writes body with the headers the engine API uses.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an engine style error payload.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"message": msg})
}

func (e *Engine) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Api-Version", APIVersion)
	w.Header().Set("Ostype", "linux")

	r.URL.Path = versionPrefix.ReplaceAllString(r.URL.Path, "")
	e.mu.Lock()
	e.requests = append(e.requests, r.Method+" "+r.URL.Path)
	mux := e.mux
	e.mu.Unlock()

	if _, pattern := mux.Handler(r); pattern == "" {
		WriteError(w, http.StatusNotFound, "page not found")
		return
	}
	mux.ServeHTTP(w, r)
}

func (e *Engine) ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write([]byte("OK"))
	}
}

func (e *Engine) info(w http.ResponseWriter, r *http.Request) {
	e.infoCalls.Add(1)
	if e.Fail.Load() {
		WriteError(w, http.StatusInternalServerError, "engine unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ID":                "FAKE:ENGINE",
		"Name":              e.name,
		"ServerVersion":     "27.3.1",
		"Containers":        5,
		"ContainersRunning": 3,
		"ContainersPaused":  1,
		"ContainersStopped": 1,
		"Images":            12,
		"OperatingSystem":   "Ubuntu 24.04 LTS",
		"OSType":            "linux",
		"Architecture":      "x86_64",
		"KernelVersion":     "6.8.0-45-generic",
		"NCPU":              8,
		"MemTotal":          int64(16 << 30),
	})
}
