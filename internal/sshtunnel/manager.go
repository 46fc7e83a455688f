package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/logutil"
)

const (
	DefaultConnectTimeout       = 30 * time.Second
	DefaultKeepaliveInterval    = 30 * time.Second
	DefaultKeepaliveMaxFailures = 3
)

// Config tunes every tunnel opened by a Manager. Zero fields take the
// package defaults.
type Config struct {
	ConnectTimeout       time.Duration
	KeepaliveInterval    time.Duration
	KeepaliveMaxFailures int
	// HostKeyCallback verifies server host keys. When nil, host keys are
	// accepted without verification and a warning is logged once.
	HostKeyCallback ssh.HostKeyCallback
}

// Params describes one SSH endpoint and the upstream the tunnel forwards to.
// Exactly one of Password and PrivateKey is expected.
type Params struct {
	Addr       string
	User       string
	Password   string
	PrivateKey []byte
	Passphrase string
	// RemoteNetwork is "tcp" or "unix".
	RemoteNetwork string
	RemoteAddr    string
}

// ClosedFunc is notified after a tunnel has been torn down and untracked.
// reason is nil when the tunnel was closed by its owner.
type ClosedFunc func(hostID string, t *Tunnel, reason error)

// Manager opens SSH tunnels and tracks at most one per host id.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	tunnels map[string]*Tunnel

	cbMu      sync.RWMutex
	callbacks []ClosedFunc

	insecureOnce sync.Once

	// listen binds the local side; replaced in tests.
	listen func(network, addr string) (net.Listener, error)
}

func NewManager(cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.KeepaliveMaxFailures <= 0 {
		cfg.KeepaliveMaxFailures = DefaultKeepaliveMaxFailures
	}
	return &Manager{
		cfg:     cfg,
		tunnels: make(map[string]*Tunnel),
		listen:  net.Listen,
	}
}

// KnownHostsCallback loads an OpenSSH known_hosts file for host key
// verification.
func KnownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("known_hosts %s: %w", path, err)
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts %s: %w", path, err)
	}
	return cb, nil
}

// OnTunnelClosed registers a callback fired after any tracked tunnel is
// torn down.
func (m *Manager) OnTunnelClosed(cb ClosedFunc) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Open establishes a tunnel for hostID. Any tunnel already tracked for the
// host is closed first. The local listener is bound before the SSH session
// is dialed and is released again if the session cannot be established.
func (m *Manager) Open(ctx context.Context, hostID string, p Params) (*Tunnel, error) {
	clientCfg, err := m.clientConfig(p)
	if err != nil {
		return nil, err
	}
	network := p.RemoteNetwork
	if network == "" {
		network = "tcp"
	}

	if err := m.Close(hostID); err != nil {
		log.Warnf("[tunnel] closing previous tunnel for %s: %v", logutil.SanitizeForLog(hostID), err)
	}

	listener, err := m.listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("%w: bind local listener: %w", dockerhost.ErrSSH, err)
	}

	client, err := m.dial(ctx, p.Addr, clientCfg)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("%w: connect %s@%s: %w", dockerhost.ErrSSH, p.User, p.Addr, err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		StartedAt:            time.Now(),
		hostID:               hostID,
		remoteNetwork:        network,
		remoteAddr:           p.RemoteAddr,
		listener:             listener,
		client:               client,
		keepaliveInterval:    m.cfg.KeepaliveInterval,
		keepaliveMaxFailures: m.cfg.KeepaliveMaxFailures,
		ctx:                  tctx,
		cancel:               cancel,
		done:                 make(chan struct{}),
		onClose:              m.untrack,
	}
	m.track(t)
	t.start()

	log.Infof("[tunnel] %s opened: local:%d -> %s via %s@%s",
		logutil.SanitizeForLog(hostID), t.LocalPort(), logutil.SanitizeForLog(network+"://"+p.RemoteAddr), p.User, p.Addr)
	return t, nil
}

// Test dials and authenticates against the SSH endpoint, then closes the
// session. No listener is bound and nothing is tracked.
func (m *Manager) Test(ctx context.Context, p Params) error {
	clientCfg, err := m.clientConfig(p)
	if err != nil {
		return err
	}
	client, err := m.dial(ctx, p.Addr, clientCfg)
	if err != nil {
		return fmt.Errorf("%w: connect %s@%s: %w", dockerhost.ErrSSH, p.User, p.Addr, err)
	}
	return client.Close()
}

// Get returns the tunnel tracked for hostID.
func (m *Manager) Get(hostID string) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[hostID]
	return t, ok
}

// Count returns the number of tracked tunnels.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}

// Close tears down the tunnel tracked for hostID. It is a no-op when there
// is none.
func (m *Manager) Close(hostID string) error {
	t, ok := m.Get(hostID)
	if !ok {
		return nil
	}
	return t.Close()
}

// CloseAll tears down every tracked tunnel.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	all := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		all = append(all, t)
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, t := range all {
		if err := t.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close tunnel %s: %w", t.hostID, err))
		}
	}
	if len(all) > 0 {
		log.Infof("[tunnel] closed all %d tunnel(s)", len(all))
	}
	return result.ErrorOrNil()
}

func (m *Manager) track(t *Tunnel) {
	m.mu.Lock()
	prev := m.tunnels[t.hostID]
	m.tunnels[t.hostID] = t
	m.mu.Unlock()

	if prev != nil && prev != t {
		prev.Close()
	}
}

// untrack runs exactly once per tunnel, from its teardown.
func (m *Manager) untrack(t *Tunnel, reason error) {
	m.mu.Lock()
	if cur, ok := m.tunnels[t.hostID]; ok && cur == t {
		delete(m.tunnels, t.hostID)
	}
	m.mu.Unlock()

	m.cbMu.RLock()
	cbs := make([]ClosedFunc, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range cbs {
		cb(t.hostID, t, reason)
	}
}

func (m *Manager) clientConfig(p Params) (*ssh.ClientConfig, error) {
	if p.Addr == "" {
		return nil, fmt.Errorf("%w: ssh address is required", dockerhost.ErrSSH)
	}
	if p.User == "" {
		return nil, fmt.Errorf("%w: ssh user is required", dockerhost.ErrSSH)
	}
	auth, err := authMethods(p)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            p.User,
		Auth:            auth,
		HostKeyCallback: m.hostKeyCallback(),
		Timeout:         m.cfg.ConnectTimeout,
	}, nil
}

func (m *Manager) hostKeyCallback() ssh.HostKeyCallback {
	if m.cfg.HostKeyCallback != nil {
		return m.cfg.HostKeyCallback
	}
	m.insecureOnce.Do(func() {
		log.Warn("[tunnel] no known_hosts configured, SSH host keys will not be verified")
	})
	return ssh.InsecureIgnoreHostKey()
}

// dial connects and completes the SSH handshake within ConnectTimeout,
// aborting early if ctx is cancelled.
func (m *Manager) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			sshConn.Close()
		}
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func authMethods(p Params) ([]ssh.AuthMethod, error) {
	switch {
	case len(p.PrivateKey) > 0 && p.Password != "":
		return nil, fmt.Errorf("%w: password and private key are mutually exclusive", dockerhost.ErrSSH)
	case len(p.PrivateKey) > 0:
		signer, err := parseKey(p.PrivateKey, p.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %w", dockerhost.ErrSSH, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case p.Password != "":
		password := p.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	default:
		return nil, fmt.Errorf("%w: no credential provided", dockerhost.ErrSSH)
	}
}

func parseKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, errors.New("private key is encrypted and no passphrase was given")
	}
	return signer, err
}
