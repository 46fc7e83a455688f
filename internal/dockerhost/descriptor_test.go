package dockerhost

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		d       Descriptor
		wantErr string
	}{
		{"local ok", Descriptor{ID: "a", Config: LocalConfig{}}, ""},
		{"missing id", Descriptor{Config: LocalConfig{}}, "host id is required"},
		{"missing config", Descriptor{ID: "a"}, "no connection config"},
		{"tcp ok", Descriptor{ID: "a", Config: TCPConfig{Host: "h", Port: 2375}}, ""},
		{"tcp no host", Descriptor{ID: "a", Config: TCPConfig{Port: 2375}}, "tcp host is required"},
		{"tcp bad port", Descriptor{ID: "a", Config: TCPConfig{Host: "h", Port: 70000}}, "out of range"},
		{"tcp full triple", Descriptor{ID: "a", Config: TCPConfig{Host: "h", Port: 2376, CAFile: "c", CertFile: "d", KeyFile: "e"}}, ""},
		{"tcp partial triple", Descriptor{ID: "a", Config: TCPConfig{Host: "h", Port: 2376, CAFile: "c"}}, "missing cert, key"},
		{"ssh password", Descriptor{ID: "a", Config: SSHConfig{Host: "h", Username: "u", Password: "p"}}, ""},
		{"ssh key path", Descriptor{ID: "a", Config: SSHConfig{Host: "h", Username: "u", PrivateKeyPath: "/k"}}, ""},
		{"ssh no credential", Descriptor{ID: "a", Config: SSHConfig{Host: "h", Username: "u"}}, "password or a private key"},
		{"ssh both credentials", Descriptor{ID: "a", Config: SSHConfig{Host: "h", Username: "u", Password: "p", PrivateKey: "k"}}, "not both"},
		{"ssh no user", Descriptor{ID: "a", Config: SSHConfig{Host: "h", Password: "p"}}, "username is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestUnmarshalJSONSelectsVariant(t *testing.T) {
	payload := `{"id":"prod","name":"Prod","connectionType":"ssh",
		"config":{"host":"10.0.0.5","username":"ops","privateKeyPath":"/keys/id","dockerSocket":"/run/docker.sock"}}`

	var d Descriptor
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cfg, ok := d.Config.(SSHConfig)
	if !ok {
		t.Fatalf("expected SSHConfig, got %T", d.Config)
	}
	if cfg.SSHPort() != 22 || cfg.EnginePort() != 2375 {
		t.Errorf("defaults not applied: ssh=%d engine=%d", cfg.SSHPort(), cfg.EnginePort())
	}
	if cfg.DockerSocket != "/run/docker.sock" {
		t.Errorf("dockerSocket = %q", cfg.DockerSocket)
	}

	out, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"connectionType":"ssh"`) {
		t.Errorf("marshalled form lost the kind: %s", out)
	}
}

func TestUnmarshalJSONUnknownKind(t *testing.T) {
	var d Descriptor
	err := json.Unmarshal([]byte(`{"id":"x","connectionType":"serial"}`), &d)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestUnmarshalYAML(t *testing.T) {
	doc := `
id: lab
name: Lab box
connectionType: tcp
config:
  host: lab.internal
  port: 2376
  certPath: /etc/docker/certs
`
	var d Descriptor
	if err := yaml.Unmarshal([]byte(doc), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cfg, ok := d.Config.(TCPConfig)
	if !ok {
		t.Fatalf("expected TCPConfig, got %T", d.Config)
	}
	ca, cert, key, tls := cfg.TLSFiles()
	if !tls {
		t.Fatal("expected tls material")
	}
	if ca != "/etc/docker/certs/ca.pem" || cert != "/etc/docker/certs/cert.pem" || key != "/etc/docker/certs/key.pem" {
		t.Errorf("unexpected tls files: %s %s %s", ca, cert, key)
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(errors.Join(errors.New("x"), ErrNotConnected)); got != "not_connected" {
		t.Errorf("KindOf = %q", got)
	}
	if got := KindOf(errors.New("plain")); got != "internal" {
		t.Errorf("KindOf = %q", got)
	}
}
