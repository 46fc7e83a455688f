package dockerhost

import "errors"

// Error classes. Callers wrap one of these with fmt.Errorf("%w: ...") and
// test with errors.Is.
var (
	// ErrConfig reports an invalid descriptor. It is raised before any
	// socket is opened.
	ErrConfig = errors.New("config error")
	// ErrSSH reports a failed SSH dial, handshake, authentication or
	// session.
	ErrSSH = errors.New("ssh error")
	// ErrConnect reports an engine that could not be reached or probed.
	ErrConnect = errors.New("connect error")
	// ErrNotConnected reports an operation addressed to a host with no
	// live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrOperation reports a failed engine call.
	ErrOperation = errors.New("operation error")
)

// KindOf returns a short name for the error class of err, or "internal".
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrSSH):
		return "ssh"
	case errors.Is(err, ErrConnect):
		return "connect"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrOperation):
		return "operation"
	default:
		return "internal"
	}
}
