package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestParseAllowedIPs(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"whitespace", "   ", 0, false},
		{"single ipv4", "10.0.0.1", 1, false},
		{"single ipv6", "::1", 1, false},
		{"cidr", "192.168.0.0/16", 1, false},
		{"mixed with blanks", "10.0.0.1, ,172.16.0.0/12", 2, false},
		{"bad ip", "10.0.0.300", 0, true},
		{"bad cidr", "10.0.0.0/40", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAllowedIPs(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("got %d networks, want %d", len(got), tt.want)
			}
		})
	}
}

func TestAllowIPs(t *testing.T) {
	networks, err := ParseAllowedIPs("10.1.0.0/16, 2001:db8::1")
	if err != nil {
		t.Fatal(err)
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := AllowIPs(networks)(ok)

	tests := []struct {
		remote string
		want   int
	}{
		{"10.1.2.3:5555", http.StatusTeapot},
		{"10.2.0.1:5555", http.StatusForbidden},
		{"[2001:db8::1]:443", http.StatusTeapot},
		{"[2001:db8::2]:443", http.StatusForbidden},
		{"10.1.9.9", http.StatusTeapot},
		{"garbage", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/hosts", nil)
		req.RemoteAddr = tt.remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status %d, want %d", tt.remote, rec.Code, tt.want)
		}
	}
}

func TestAllowIPsEmptyListPassesThrough(t *testing.T) {
	called := false
	h := AllowIPs(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1"
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Error("request was blocked with an empty allow list")
	}
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	level := log.GetLevel()
	log.SetLevel(log.DebugLevel)
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetLevel(level)
	})

	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/hosts/x/connect", nil))

	out := buf.String()
	if !strings.Contains(out, "status=502") || !strings.Contains(out, "level=warning") {
		t.Errorf("unexpected log line: %q", out)
	}
	if !strings.Contains(out, "path=/api/v1/hosts/x/connect") {
		t.Errorf("path missing: %q", out)
	}
}
