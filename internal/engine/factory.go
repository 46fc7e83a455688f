// Package engine builds Docker API clients for resolved transports and
// probes them for liveness.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/system"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/sockets"
	"github.com/docker/go-connections/tlsconfig"
	log "github.com/sirupsen/logrus"

	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/sshtunnel"
	"github.com/KingCide/Mariner/internal/transport"
)

const DefaultProbeTimeout = 15 * time.Second

// Handle is a live engine client together with the tunnel it rides on, if
// any.
type Handle struct {
	HostID string
	Kind   dockerhost.Kind
	Client dockerclient.APIClient
	Tunnel *sshtunnel.Tunnel

	closeOnce sync.Once
	closeErr  error
}

// NewHandle wraps an existing client. Used for clients built elsewhere.
func NewHandle(hostID string, kind dockerhost.Kind, c dockerclient.APIClient, tun *sshtunnel.Tunnel) *Handle {
	return &Handle{HostID: hostID, Kind: kind, Client: c, Tunnel: tun}
}

// Close releases the client, then the tunnel. It is safe to call more than
// once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if h.Client != nil {
			h.closeErr = h.Client.Close()
		}
		if h.Tunnel != nil {
			if err := h.Tunnel.Close(); err != nil && h.closeErr == nil {
				h.closeErr = err
			}
		}
	})
	return h.closeErr
}

// Factory opens engine handles. Tunnels is required for ssh transports.
type Factory struct {
	Tunnels      *sshtunnel.Manager
	ProbeTimeout time.Duration
}

// Open builds a client for spec. For ssh it first opens a tunnel and binds
// the client to the tunnel's loopback port; if the client cannot be built
// the tunnel is closed again. The returned handle has not been probed.
func (f *Factory) Open(ctx context.Context, hostID string, spec transport.Spec) (*Handle, error) {
	switch spec.Kind {
	case dockerhost.KindLocal, dockerhost.KindTCP:
		c, err := newClient(spec.DaemonHost, spec.TLS)
		if err != nil {
			return nil, fmt.Errorf("%w: build client for %s: %w", dockerhost.ErrConnect, spec.DaemonHost, err)
		}
		return NewHandle(hostID, spec.Kind, c, nil), nil

	case dockerhost.KindSSH:
		if f.Tunnels == nil {
			return nil, fmt.Errorf("%w: ssh transport requires a tunnel manager", dockerhost.ErrConnect)
		}
		if spec.SSH == nil {
			return nil, fmt.Errorf("%w: ssh transport without ssh parameters", dockerhost.ErrConfig)
		}
		tun, err := f.Tunnels.Open(ctx, hostID, TunnelParams(spec.SSH))
		if err != nil {
			return nil, err
		}
		host := "tcp://127.0.0.1:" + strconv.Itoa(tun.LocalPort())
		c, err := newClient(host, nil)
		if err != nil {
			tun.Close()
			return nil, fmt.Errorf("%w: build client for tunnel %s: %w", dockerhost.ErrConnect, host, err)
		}
		return NewHandle(hostID, spec.Kind, c, tun), nil

	default:
		return nil, fmt.Errorf("%w: unsupported connection type %q", dockerhost.ErrConnect, spec.Kind)
	}
}

// Probe asks the engine for its info within ProbeTimeout. The caller owns
// the handle and must close it when the probe fails.
func (f *Factory) Probe(ctx context.Context, h *Handle) (system.Info, error) {
	timeout := f.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := h.Client.Info(ctx)
	if err != nil {
		return system.Info{}, fmt.Errorf("%w: engine probe for %s: %w", dockerhost.ErrConnect, h.HostID, err)
	}
	log.Debugf("[engine] %s answered: docker %s (api %s)", h.HostID, info.ServerVersion, h.Client.ClientVersion())
	return info, nil
}

// TunnelParams converts a resolved ssh transport into tunnel parameters.
func TunnelParams(s *transport.SSHSpec) sshtunnel.Params {
	return sshtunnel.Params{
		Addr:          s.Addr,
		User:          s.User,
		Password:      s.Password,
		PrivateKey:    s.PrivateKey,
		Passphrase:    s.Passphrase,
		RemoteNetwork: s.RemoteNetwork,
		RemoteAddr:    s.RemoteAddr,
	}
}

func newClient(host string, tlsFiles *transport.TLSFiles) (*dockerclient.Client, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithHost(host),
		dockerclient.WithAPIVersionNegotiation(),
	}
	if tlsFiles != nil {
		hc, err := tlsHTTPClient(host, tlsFiles)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dockerclient.WithHTTPClient(hc), dockerclient.WithScheme("https"))
	}
	return dockerclient.NewClientWithOpts(opts...)
}

func tlsHTTPClient(host string, files *transport.TLSFiles) (*http.Client, error) {
	tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
		CAFile:   files.CAFile,
		CertFile: files.CertFile,
		KeyFile:  files.KeyFile,
	})
	if err != nil {
		return nil, fmt.Errorf("load tls material: %w", err)
	}

	tr := &http.Transport{TLSClientConfig: tlsCfg}
	u, err := dockerclient.ParseHostURL(host)
	if err != nil {
		return nil, err
	}
	if err := sockets.ConfigureTransport(tr, u.Scheme, u.Host); err != nil {
		return nil, err
	}
	return &http.Client{Transport: tr, CheckRedirect: dockerclient.CheckRedirect}, nil
}
