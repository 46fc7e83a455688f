package sshtunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const keepaliveRequest = "keepalive@openssh.com"

// Reasons a tunnel tears itself down. They are reported through Err and
// the manager's close callbacks.
var (
	ErrListenerFailed  = errors.New("local listener failed")
	ErrSessionEnded    = errors.New("ssh session ended")
	ErrKeepaliveFailed = errors.New("ssh keepalive failed")
)

// Tunnel forwards every connection accepted on a loopback listener to a
// single upstream on the far side of an SSH session.
type Tunnel struct {
	StartedAt time.Time

	hostID        string
	remoteNetwork string
	remoteAddr    string
	listener      net.Listener
	client        *ssh.Client

	keepaliveInterval    time.Duration
	keepaliveMaxFailures int

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	onClose   func(t *Tunnel, reason error)

	errMu sync.Mutex
	err   error

	totalStreams      atomic.Int64
	activeStreams     atomic.Int64
	failedStreams     atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	keepaliveFailures atomic.Int64
}

// Metrics is a point-in-time snapshot of tunnel activity.
type Metrics struct {
	HostID            string    `json:"host_id"`
	LocalPort         int       `json:"local_port"`
	Remote            string    `json:"remote"`
	StartedAt         time.Time `json:"started_at"`
	TotalStreams      int64     `json:"total_streams"`
	ActiveStreams     int64     `json:"active_streams"`
	FailedStreams     int64     `json:"failed_streams"`
	BytesIn           int64     `json:"bytes_in"`
	BytesOut          int64     `json:"bytes_out"`
	KeepaliveFailures int64     `json:"keepalive_failures"`
}

func (t *Tunnel) HostID() string { return t.hostID }

// LocalPort returns the bound loopback port.
func (t *Tunnel) LocalPort() int {
	return t.listener.Addr().(*net.TCPAddr).Port
}

// LocalAddr returns the loopback address clients should dial.
func (t *Tunnel) LocalAddr() string {
	return t.listener.Addr().String()
}

// Done is closed once the tunnel has been torn down.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// Err returns why the tunnel stopped. It is nil while the tunnel is open
// and after a caller-initiated Close.
func (t *Tunnel) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Closed reports whether the tunnel has been torn down.
func (t *Tunnel) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Tunnel) Metrics() Metrics {
	return Metrics{
		HostID:            t.hostID,
		LocalPort:         t.LocalPort(),
		Remote:            t.remoteNetwork + "://" + t.remoteAddr,
		StartedAt:         t.StartedAt,
		TotalStreams:      t.totalStreams.Load(),
		ActiveStreams:     t.activeStreams.Load(),
		FailedStreams:     t.failedStreams.Load(),
		BytesIn:           t.bytesIn.Load(),
		BytesOut:          t.bytesOut.Load(),
		KeepaliveFailures: t.keepaliveFailures.Load(),
	}
}

// Close shuts the listener, then the SSH session. Streams still in flight
// are aborted. Calling Close more than once is a no-op.
func (t *Tunnel) Close() error {
	return t.teardown(nil)
}

func (t *Tunnel) teardown(reason error) error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.cancel()
		if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			closeErr = err
		}
		if err := t.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) && closeErr == nil {
			closeErr = err
		}

		t.errMu.Lock()
		t.err = reason
		t.errMu.Unlock()
		close(t.done)

		if reason != nil {
			log.Warnf("[tunnel] %s torn down: %v", t.hostID, reason)
		} else {
			log.Infof("[tunnel] %s closed (local:%d)", t.hostID, t.LocalPort())
		}
		if t.onClose != nil {
			t.onClose(t, reason)
		}
	})
	return closeErr
}

func (t *Tunnel) start() {
	go t.acceptLoop()
	go t.keepaliveLoop()
	go func() {
		err := t.client.Wait()
		if err == nil {
			err = ErrSessionEnded
		} else {
			err = errors.Join(ErrSessionEnded, err)
		}
		t.teardown(err)
	}()
}

func (t *Tunnel) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.teardown(errors.Join(ErrListenerFailed, err))
			return
		}
		go t.forward(conn)
	}
}

// forward opens one upstream stream for conn. A failure here only costs
// this connection.
func (t *Tunnel) forward(conn net.Conn) {
	t.totalStreams.Add(1)
	remote, err := t.client.Dial(t.remoteNetwork, t.remoteAddr)
	if err != nil {
		t.failedStreams.Add(1)
		log.Debugf("[tunnel] %s dial %s://%s failed: %v", t.hostID, t.remoteNetwork, t.remoteAddr, err)
		conn.Close()
		return
	}

	t.activeStreams.Add(1)
	defer t.activeStreams.Add(-1)
	in, out := bidirectionalCopy(t.ctx, conn, remote)
	t.bytesIn.Add(in)
	t.bytesOut.Add(out)
}

func (t *Tunnel) keepaliveLoop() {
	if t.keepaliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.keepaliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}

		if err := t.probe(); err != nil {
			failures++
			t.keepaliveFailures.Add(1)
			log.Debugf("[tunnel] %s keepalive failed (%d/%d): %v", t.hostID, failures, t.keepaliveMaxFailures, err)
			if failures >= t.keepaliveMaxFailures {
				t.teardown(errors.Join(ErrKeepaliveFailed, err))
				return
			}
			continue
		}
		failures = 0
	}
}

var errKeepaliveTimeout = errors.New("no reply within keepalive interval")

// probe sends one keepalive and waits at most one interval for the reply.
// A negative reply still proves the peer is alive.
func (t *Tunnel) probe() error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := t.client.SendRequest(keepaliveRequest, true, nil)
		errc <- err
	}()

	timer := time.NewTimer(t.keepaliveInterval)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return errKeepaliveTimeout
	case <-t.ctx.Done():
		return nil
	}
}

// bidirectionalCopy pipes data between two connections until one side
// closes or errors, then closes both. It returns the bytes copied from
// local to remote and from remote to local.
func bidirectionalCopy(ctx context.Context, local, remote net.Conn) (in, out int64) {
	var toRemote, toLocal atomic.Int64
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn, n *atomic.Int64) {
		defer func() { done <- struct{}{} }()
		c, _ := io.Copy(dst, src)
		n.Store(c)
	}
	go cp(remote, local, &toRemote)
	go cp(local, remote, &toLocal)

	pending := 2
	select {
	case <-done:
		pending--
	case <-ctx.Done():
	}
	local.Close()
	remote.Close()
	for ; pending > 0; pending-- {
		<-done
	}
	return toRemote.Load(), toLocal.Load()
}
