// Package dispatcher routes Docker operations to the engine of a connected
// host and normalizes the results into transport-agnostic summaries.
package dispatcher

import (
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	dockerclient "github.com/docker/docker/client"

	"github.com/KingCide/Mariner/internal/dockerhost"
)

const DefaultBatchConcurrency = 8

// ClientSource resolves a host id to a live engine client.
// *registry.Registry implements it.
type ClientSource interface {
	GetClient(hostID string) (dockerclient.APIClient, error)
}

type Dispatcher struct {
	clients          ClientSource
	batchConcurrency int
}

type Option func(*Dispatcher)

// WithBatchConcurrency bounds how many containers a batch touches at once.
func WithBatchConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchConcurrency = n
		}
	}
}

func New(clients ClientSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{clients: clients, batchConcurrency: DefaultBatchConcurrency}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) client(hostID string) (dockerclient.APIClient, error) {
	return d.clients.GetClient(hostID)
}

// opError classifies an engine failure. The cause stays in the chain so
// errdefs checks such as not-found still work.
func opError(op, hostID string, err error) error {
	return fmt.Errorf("%w: %s on %s: %w", dockerhost.ErrOperation, op, hostID, err)
}

// invalidArg reports a request the engine was never asked to run.
func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", dockerhost.ErrOperation, cerrdefs.ErrInvalidArgument, fmt.Sprintf(format, args...))
}
