package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KingCide/Mariner/internal/dockerhost"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MARINER_DATA_PATH", "/tmp/mariner-test")
	Cfg = Settings{}
	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Cfg.DatabasePath != filepath.Join("/tmp/mariner-test", "mariner.db") {
		t.Errorf("database path = %q", Cfg.DatabasePath)
	}
	if Cfg.LogPath != filepath.Join("/tmp/mariner-test", "mariner.log") {
		t.Errorf("log path = %q", Cfg.LogPath)
	}
	if Cfg.SSHConnectTimeout != 30*time.Second || Cfg.SSHKeepaliveMaxFailures != 3 {
		t.Errorf("ssh defaults = %s / %d", Cfg.SSHConnectTimeout, Cfg.SSHKeepaliveMaxFailures)
	}
	if Cfg.BatchConcurrency != 8 || Cfg.HealthCheckSchedule != "@every 1m" {
		t.Errorf("defaults = %+v", Cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MARINER_DATABASE_PATH", "/elsewhere/db.sqlite")
	t.Setenv("MARINER_SSH_KEEPALIVE_INTERVAL", "5s")
	t.Setenv("MARINER_API_ALLOWED_IPS", "10.0.0.0/8")
	Cfg = Settings{}
	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Cfg.DatabasePath != "/elsewhere/db.sqlite" || Cfg.SSHKeepaliveInterval != 5*time.Second {
		t.Errorf("overrides not applied: %+v", Cfg)
	}
	if Cfg.APIAllowedIPs != "10.0.0.0/8" {
		t.Errorf("allowed ips = %q", Cfg.APIAllowedIPs)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("MARINER_BATCH_CONCURRENCY", "0")
	Cfg = Settings{}
	if err := Load(); err == nil {
		t.Fatal("expected error for zero batch concurrency")
	}

	t.Setenv("MARINER_BATCH_CONCURRENCY", "4")
	t.Setenv("MARINER_PROBE_TIMEOUT", "soon")
	Cfg = Settings{}
	if err := Load(); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestParseHosts(t *testing.T) {
	data := []byte(`
hosts:
  - id: local
    connectionType: local
  - id: build
    name: Build box
    connectionType: ssh
    autoConnect: true
    config:
      host: 10.0.0.5
      username: ops
      privateKeyPath: /keys/ops
  - id: tls
    connectionType: tcp
    config:
      host: docker.internal
      port: 2376
      certPath: /certs
`)
	hosts, err := ParseHosts(data)
	if err != nil {
		t.Fatalf("ParseHosts: %v", err)
	}
	if len(hosts) != 3 {
		t.Fatalf("expected 3 hosts, got %d", len(hosts))
	}
	if hosts[0].Kind() != dockerhost.KindLocal || hosts[0].AutoConnect {
		t.Errorf("local entry = %+v", hosts[0])
	}
	ssh, ok := hosts[1].Config.(dockerhost.SSHConfig)
	if !ok || !hosts[1].AutoConnect || ssh.Username != "ops" || ssh.SSHPort() != 22 {
		t.Errorf("ssh entry = %+v", hosts[1])
	}
	if hosts[1].Name != "Build box" {
		t.Errorf("name = %q", hosts[1].Name)
	}
	if tcp, ok := hosts[2].Config.(dockerhost.TCPConfig); !ok || tcp.Port != 2376 {
		t.Errorf("tcp entry = %+v", hosts[2])
	}
}

func TestParseHostsErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing id", "hosts:\n  - connectionType: local\n"},
		{"duplicate id", "hosts:\n  - id: a\n    connectionType: local\n  - id: a\n    connectionType: local\n"},
		{"unknown kind", "hosts:\n  - id: a\n    connectionType: serial\n"},
		{"not yaml", "hosts: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHosts([]byte(tt.data)); !errors.Is(err, dockerhost.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestParseHostsEmpty(t *testing.T) {
	hosts, err := ParseHosts(nil)
	if err != nil || len(hosts) != 0 {
		t.Fatalf("empty file: %v, %v", hosts, err)
	}
}

func TestLoadHostsFileMissing(t *testing.T) {
	_, err := LoadHostsFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}
