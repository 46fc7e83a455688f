// Package dockerhost holds the host data model shared by the connection
// manager: descriptors for the three transport kinds, the summary returned
// after a successful connect, and the error classes every layer reports.
package dockerhost

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

// Kind identifies how a Docker engine is reached.
type Kind string

const (
	KindLocal Kind = "local"
	KindTCP   Kind = "tcp"
	KindSSH   Kind = "ssh"
)

const (
	DefaultSSHPort    = 22
	DefaultDockerPort = 2375

	certCAFile   = "ca.pem"
	certCertFile = "cert.pem"
	certKeyFile  = "key.pem"
)

// Config is the kind-specific part of a Descriptor. It is implemented by
// LocalConfig, TCPConfig and SSHConfig only.
type Config interface {
	Kind() Kind
	validate() error
}

// LocalConfig reaches the engine over the platform default socket, or
// SocketPath when set.
type LocalConfig struct {
	SocketPath string `json:"socketPath,omitempty" yaml:"socketPath,omitempty"`
}

func (LocalConfig) Kind() Kind { return KindLocal }

func (c LocalConfig) validate() error { return nil }

// DefaultSocketPath returns the engine socket for the running platform.
func DefaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return "//./pipe/docker_engine"
	}
	return "/var/run/docker.sock"
}

// TCPConfig reaches the engine over plain TCP, or TLS when certificate
// material is configured. CertPath is a directory holding ca.pem, cert.pem
// and key.pem; the explicit file fields override it.
type TCPConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	CertPath string `json:"certPath,omitempty" yaml:"certPath,omitempty"`
	CAFile   string `json:"caFile,omitempty" yaml:"caFile,omitempty"`
	CertFile string `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
}

func (TCPConfig) Kind() Kind { return KindTCP }

// TLSFiles returns the CA, certificate and key paths. ok is false when no
// TLS material is configured at all.
func (c TCPConfig) TLSFiles() (ca, cert, key string, ok bool) {
	if c.CertPath != "" {
		dir := strings.TrimRight(c.CertPath, "/\\")
		ca, cert, key = dir+"/"+certCAFile, dir+"/"+certCertFile, dir+"/"+certKeyFile
	}
	if c.CAFile != "" {
		ca = c.CAFile
	}
	if c.CertFile != "" {
		cert = c.CertFile
	}
	if c.KeyFile != "" {
		key = c.KeyFile
	}
	return ca, cert, key, ca != "" || cert != "" || key != ""
}

func (c TCPConfig) validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: tcp host is required", ErrConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: tcp port %d out of range", ErrConfig, c.Port)
	}
	if c.CertPath == "" {
		var missing []string
		if c.CAFile == "" {
			missing = append(missing, "ca")
		}
		if c.CertFile == "" {
			missing = append(missing, "cert")
		}
		if c.KeyFile == "" {
			missing = append(missing, "key")
		}
		if len(missing) > 0 && len(missing) < 3 {
			return fmt.Errorf("%w: incomplete tls material, missing %s", ErrConfig, strings.Join(missing, ", "))
		}
	}
	return nil
}

// SSHConfig reaches the engine through an SSH session. The engine is
// expected on 127.0.0.1:DockerPort on the remote side, or on DockerSocket
// when that is set. Exactly one of Password and a private key (inline or
// by path) must be provided.
type SSHConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username       string `json:"username" yaml:"username"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey     string `json:"privateKey,omitempty" yaml:"privateKey,omitempty"`
	PrivateKeyPath string `json:"privateKeyPath,omitempty" yaml:"privateKeyPath,omitempty"`
	Passphrase     string `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
	DockerPort     int    `json:"dockerPort,omitempty" yaml:"dockerPort,omitempty"`
	DockerSocket   string `json:"dockerSocket,omitempty" yaml:"dockerSocket,omitempty"`
}

func (SSHConfig) Kind() Kind { return KindSSH }

// SSHPort returns the configured port or 22.
func (c SSHConfig) SSHPort() int {
	if c.Port == 0 {
		return DefaultSSHPort
	}
	return c.Port
}

// EnginePort returns the remote engine port or 2375.
func (c SSHConfig) EnginePort() int {
	if c.DockerPort == 0 {
		return DefaultDockerPort
	}
	return c.DockerPort
}

func (c SSHConfig) validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: ssh host is required", ErrConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: ssh port %d out of range", ErrConfig, c.Port)
	}
	if c.DockerPort < 0 || c.DockerPort > 65535 {
		return fmt.Errorf("%w: docker port %d out of range", ErrConfig, c.DockerPort)
	}
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("%w: ssh username is required", ErrConfig)
	}
	hasKey := c.PrivateKey != "" || c.PrivateKeyPath != ""
	switch {
	case c.Password == "" && !hasKey:
		return fmt.Errorf("%w: ssh requires a password or a private key", ErrConfig)
	case c.Password != "" && hasKey:
		return fmt.Errorf("%w: ssh accepts a password or a private key, not both", ErrConfig)
	case c.PrivateKey != "" && c.PrivateKeyPath != "":
		return fmt.Errorf("%w: set either privateKey or privateKeyPath", ErrConfig)
	}
	return nil
}

// Descriptor names a Docker engine and how to reach it. It is treated as
// immutable for the duration of one connection attempt.
type Descriptor struct {
	ID     string
	Name   string
	Config Config
}

// Kind returns the transport kind, or "" when Config is unset.
func (d Descriptor) Kind() Kind {
	if d.Config == nil {
		return ""
	}
	return d.Config.Kind()
}

// Validate checks the structural invariants of the descriptor. It performs
// no I/O.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: host id is required", ErrConfig)
	}
	if d.Config == nil {
		return fmt.Errorf("%w: host %q has no connection config", ErrConfig, d.ID)
	}
	return d.Config.validate()
}

// DisplayName returns Name, falling back to ID.
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

type descriptorJSON struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	ConnectionType Kind            `json:"connectionType"`
	Config         json.RawMessage `json:"config,omitempty"`
}

func (d Descriptor) MarshalJSON() ([]byte, error) {
	out := descriptorJSON{ID: d.ID, Name: d.Name, ConnectionType: d.Kind()}
	if d.Config != nil {
		raw, err := json.Marshal(d.Config)
		if err != nil {
			return nil, err
		}
		out.Config = raw
	}
	return json.Marshal(out)
}

func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var in descriptorJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	cfg, err := NewConfig(in.ConnectionType)
	if err != nil {
		return err
	}
	if len(in.Config) > 0 && string(in.Config) != "null" {
		if err := json.Unmarshal(in.Config, cfg); err != nil {
			return fmt.Errorf("%w: decode %s config: %v", ErrConfig, in.ConnectionType, err)
		}
	}
	d.ID = in.ID
	d.Name = in.Name
	d.Config = deref(cfg)
	return nil
}

// NewConfig returns a pointer to a zero config of the given kind, ready to
// be decoded into.
func NewConfig(kind Kind) (any, error) {
	switch kind {
	case KindLocal:
		return &LocalConfig{}, nil
	case KindTCP:
		return &TCPConfig{}, nil
	case KindSSH:
		return &SSHConfig{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported connection type %q", ErrConfig, kind)
	}
}

func deref(v any) Config {
	switch c := v.(type) {
	case *LocalConfig:
		return *c
	case *TCPConfig:
		return *c
	case *SSHConfig:
		return *c
	}
	return nil
}

// ConfigFrom converts a pointer returned by NewConfig into a Config value.
func ConfigFrom(v any) Config { return deref(v) }
