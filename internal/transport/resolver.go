// Package transport turns a host descriptor into a concrete transport
// specification. Resolution validates the descriptor and checks local
// files, but it never opens a network connection.
package transport

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"

	"github.com/KingCide/Mariner/internal/dockerhost"
)

// Spec is a resolved transport.
type Spec struct {
	Kind dockerhost.Kind
	// DaemonHost is the engine address for local and tcp transports, for
	// example unix:///var/run/docker.sock or tcp://10.0.0.5:2376. It is
	// empty for ssh until a tunnel provides a local endpoint.
	DaemonHost string
	TLS        *TLSFiles
	SSH        *SSHSpec
}

// TLSFiles holds verified paths to client TLS material.
type TLSFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// SSHSpec is everything needed to establish the SSH session and the single
// upstream the tunnel forwards to.
type SSHSpec struct {
	Addr       string
	User       string
	Password   string
	PrivateKey []byte
	Passphrase string
	// RemoteNetwork is "tcp" or "unix".
	RemoteNetwork string
	RemoteAddr    string
}

// Resolver resolves descriptors. The zero value uses platform defaults.
type Resolver struct {
	// LocalSocketPath overrides the platform default socket for local
	// descriptors that do not set their own.
	LocalSocketPath string
}

// Resolve validates d and produces its transport spec.
func (r *Resolver) Resolve(d dockerhost.Descriptor) (Spec, error) {
	switch d.Config.(type) {
	case dockerhost.LocalConfig, dockerhost.TCPConfig, dockerhost.SSHConfig:
	case nil:
	default:
		return Spec{}, fmt.Errorf("%w: unsupported connection type %q", dockerhost.ErrConnect, d.Kind())
	}
	if err := d.Validate(); err != nil {
		return Spec{}, err
	}

	switch cfg := d.Config.(type) {
	case dockerhost.LocalConfig:
		return r.resolveLocal(cfg)
	case dockerhost.TCPConfig:
		return resolveTCP(cfg)
	case dockerhost.SSHConfig:
		return resolveSSH(cfg)
	}
	return Spec{}, fmt.Errorf("%w: unsupported connection type %q", dockerhost.ErrConnect, d.Kind())
}

func (r *Resolver) resolveLocal(cfg dockerhost.LocalConfig) (Spec, error) {
	path := cfg.SocketPath
	if path == "" {
		path = r.LocalSocketPath
	}
	if path == "" {
		path = dockerhost.DefaultSocketPath()
	}
	if err := checkSocket(path); err != nil {
		return Spec{}, fmt.Errorf("%w: docker socket %s: %w", dockerhost.ErrConfig, path, err)
	}

	scheme := "unix://"
	if runtime.GOOS == "windows" {
		scheme = "npipe://"
	}
	return Spec{Kind: dockerhost.KindLocal, DaemonHost: scheme + path}, nil
}

func resolveTCP(cfg dockerhost.TCPConfig) (Spec, error) {
	spec := Spec{
		Kind:       dockerhost.KindTCP,
		DaemonHost: "tcp://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}

	ca, cert, key, ok := cfg.TLSFiles()
	if !ok {
		return spec, nil
	}
	for _, f := range []struct{ label, path string }{
		{"ca", ca},
		{"cert", cert},
		{"key", key},
	} {
		if err := checkReadable(f.path); err != nil {
			return Spec{}, fmt.Errorf("%w: tls %s file %s: %w", dockerhost.ErrConfig, f.label, f.path, err)
		}
	}
	spec.TLS = &TLSFiles{CAFile: ca, CertFile: cert, KeyFile: key}
	return spec, nil
}

func resolveSSH(cfg dockerhost.SSHConfig) (Spec, error) {
	s := &SSHSpec{
		Addr:          net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.SSHPort())),
		User:          cfg.Username,
		Password:      cfg.Password,
		Passphrase:    cfg.Passphrase,
		RemoteNetwork: "tcp",
		RemoteAddr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.EnginePort())),
	}
	if cfg.DockerSocket != "" {
		s.RemoteNetwork = "unix"
		s.RemoteAddr = cfg.DockerSocket
	}

	switch {
	case cfg.PrivateKey != "":
		s.PrivateKey = []byte(cfg.PrivateKey)
	case cfg.PrivateKeyPath != "":
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: read private key %s: %w", dockerhost.ErrConfig, cfg.PrivateKeyPath, err)
		}
		s.PrivateKey = data
	}
	return Spec{Kind: dockerhost.KindSSH, SSH: s}, nil
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
