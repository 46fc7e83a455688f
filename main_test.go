package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KingCide/Mariner/internal/catalog"
	"github.com/KingCide/Mariner/internal/crypto"
	"github.com/KingCide/Mariner/internal/database"
	"github.com/KingCide/Mariner/internal/dispatcher"
	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/engine"
	"github.com/KingCide/Mariner/internal/engine/enginetest"
	"github.com/KingCide/Mariner/internal/registry"
)

func setupTestDBMain(t *testing.T) {
	t.Helper()
	if err := database.Init(filepath.Join(t.TempDir(), "main.db")); err != nil {
		t.Fatalf("init db: %v", err)
	}
	crypto.ResetKeyCache()
	t.Cleanup(func() {
		database.Close()
		crypto.ResetKeyCache()
	})
}

func TestConnectAutoHosts(t *testing.T) {
	setupTestDBMain(t)
	eng := enginetest.New(t, "auto")

	good := dockerhost.Descriptor{ID: "good", Config: dockerhost.TCPConfig{Host: "127.0.0.1", Port: eng.Port()}}
	// Nothing listens on port 1.
	bad := dockerhost.Descriptor{ID: "bad", Config: dockerhost.TCPConfig{Host: "127.0.0.1", Port: 1}}
	manual := dockerhost.Descriptor{ID: "manual", Config: dockerhost.TCPConfig{Host: "127.0.0.1", Port: eng.Port()}}
	for _, d := range []dockerhost.Descriptor{good, bad} {
		if _, err := catalog.Save(d, true); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := catalog.Save(manual, false); err != nil {
		t.Fatal(err)
	}

	reg := registry.New(registry.Options{Builder: &engine.Factory{ProbeTimeout: 2 * time.Second}})
	t.Cleanup(reg.CleanupAll)

	err := connectAutoHosts(context.Background(), reg)
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Errorf("expected failure for bad host, got %v", err)
	}
	if _, ok := reg.Entry("good"); !ok {
		t.Error("good host not connected")
	}
	if _, ok := reg.Entry("manual"); ok {
		t.Error("manual host connected without auto-connect")
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		d    dockerhost.Descriptor
		want string
	}{
		{dockerhost.Descriptor{Config: dockerhost.LocalConfig{}}, "(default socket)"},
		{dockerhost.Descriptor{Config: dockerhost.LocalConfig{SocketPath: "/run/docker.sock"}}, "/run/docker.sock"},
		{dockerhost.Descriptor{Config: dockerhost.TCPConfig{Host: "10.0.0.1", Port: 2376}}, "10.0.0.1:2376"},
		{dockerhost.Descriptor{Config: dockerhost.SSHConfig{Host: "vm", Username: "ops"}}, "ops@vm:22"},
	}
	for _, tt := range tests {
		if got := endpoint(tt.d); got != tt.want {
			t.Errorf("endpoint(%+v) = %q, want %q", tt.d.Config, got, tt.want)
		}
	}
}

func TestFormatPorts(t *testing.T) {
	got := formatPorts([]dispatcher.Port{
		{PrivatePort: 80, PublicPort: 8080, Type: "tcp"},
		{PrivatePort: 53, Type: "udp"},
	})
	if got != "8080->80/tcp, 53/udp" {
		t.Errorf("formatPorts = %q", got)
	}
}
