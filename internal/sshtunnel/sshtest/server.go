// Package sshtest provides an in-process SSH server for tests that need a
// real SSH session: password and public key auth, direct-tcpip and
// direct-streamlocal forwarding, and hooks to simulate dead peers.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

const (
	User     = "ops"
	Password = "s3cret"
)

// PortMapping remaps requested destination ports to real local ports, so a
// client asking for 127.0.0.1:2375 reaches a test engine on an ephemeral
// port.
type PortMapping map[int]int

type Options struct {
	Mapping PortMapping
	// AuthorizedKey, when set, is accepted for User in addition to
	// Password.
	AuthorizedKey gossh.PublicKey
	// HangGlobalRequests stops servicing global requests, so keepalives
	// never get a reply.
	HangGlobalRequests bool
}

type Server struct {
	Addr string

	opts     Options
	cfg      *gossh.ServerConfig
	listener net.Listener

	mu       sync.Mutex
	conns    []*gossh.ServerConn
	sessions int
	channels int
}

// NewServer starts a server on 127.0.0.1:0 and stops it when the test ends.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}

	s := &Server{opts: opts}
	s.cfg = &gossh.ServerConfig{
		PasswordCallback: func(c gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if opts.AuthorizedKey != nil && c.User() == User &&
				string(key.Marshal()) == string(opts.AuthorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	s.cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ssh server listen: %v", err)
	}
	s.listener = l
	s.Addr = l.Addr().String()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops accepting and drops every live session.
func (s *Server) Close() {
	s.listener.Close()
	s.DropSessions()
}

// DropSessions closes all established server-side connections.
func (s *Server) DropSessions() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Sessions returns how many sessions completed the handshake.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Channels returns how many forwarding channels were accepted.
func (s *Server) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels
}

func (s *Server) serve(netConn net.Conn) {
	defer netConn.Close()

	srvConn, chans, reqs, err := gossh.NewServerConn(netConn, s.cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()

	s.mu.Lock()
	s.conns = append(s.conns, srvConn)
	s.sessions++
	s.mu.Unlock()

	if !s.opts.HangGlobalRequests {
		go gossh.DiscardRequests(reqs)
	}

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "direct-tcpip":
			go s.serveDirectTCPIP(newChan)
		case "direct-streamlocal@openssh.com":
			go s.serveStreamLocal(newChan)
		default:
			newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
		}
	}
}

// directTCPIPData matches the SSH wire format for direct-tcpip extra data.
type directTCPIPData struct {
	DestHost   string
	DestPort   uint32
	OriginHost string
	OriginPort uint32
}

type streamLocalData struct {
	SocketPath string
	Reserved0  string
	Reserved1  uint32
}

func (s *Server) serveDirectTCPIP(newChan gossh.NewChannel) {
	var data directTCPIPData
	if err := gossh.Unmarshal(newChan.ExtraData(), &data); err != nil {
		newChan.Reject(gossh.ConnectionFailed, "invalid payload")
		return
	}

	destPort := int(data.DestPort)
	if mapped, ok := s.opts.Mapping[destPort]; ok {
		destPort = mapped
	}
	s.relay(newChan, "tcp", net.JoinHostPort(data.DestHost, strconv.Itoa(destPort)))
}

func (s *Server) serveStreamLocal(newChan gossh.NewChannel) {
	var data streamLocalData
	if err := gossh.Unmarshal(newChan.ExtraData(), &data); err != nil {
		newChan.Reject(gossh.ConnectionFailed, "invalid payload")
		return
	}
	s.relay(newChan, "unix", data.SocketPath)
}

func (s *Server) relay(newChan gossh.NewChannel, network, addr string) {
	dest, err := net.Dial(network, addr)
	if err != nil {
		newChan.Reject(gossh.ConnectionFailed, err.Error())
		return
	}
	defer dest.Close()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go gossh.DiscardRequests(reqs)

	s.mu.Lock()
	s.channels++
	s.mu.Unlock()

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, dest); done <- struct{}{} }()
	go func() { io.Copy(dest, ch); done <- struct{}{} }()
	<-done
}

// GenerateKey returns a PEM encoded ed25519 private key, encrypted when
// passphrase is non-empty, and its public half.
func GenerateKey(t testing.TB, passphrase string) ([]byte, gossh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = gossh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = gossh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	sshPub, err := gossh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return pem.EncodeToMemory(block), sshPub
}

// StartEchoServer starts a TCP echo server and returns its port.
func StartEchoServer(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server listen: %v", err)
	}
	go echoLoop(l)
	t.Cleanup(func() { l.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

// StartUnixEchoServer starts an echo server on a unix socket at path.
func StartUnixEchoServer(t testing.TB, path string) {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("unix echo listen: %v", err)
	}
	go echoLoop(l)
	t.Cleanup(func() { l.Close() })
}

func echoLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			io.Copy(conn, conn)
		}()
	}
}

// ClosedPort returns a loopback port with nothing listening on it.
func ClosedPort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
