// Package registry owns the live connections to Docker hosts. It maps host
// ids to engine handles, serializes connect and disconnect per host, and
// keeps per-host state history.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/system"
	dockerclient "github.com/docker/docker/client"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/engine"
	"github.com/KingCide/Mariner/internal/logutil"
	"github.com/KingCide/Mariner/internal/sshtunnel"
	"github.com/KingCide/Mariner/internal/transport"
)

const DefaultHealthTimeout = 10 * time.Second

// Builder opens and probes engine handles. *engine.Factory implements it.
type Builder interface {
	Open(ctx context.Context, hostID string, spec transport.Spec) (*engine.Handle, error)
	Probe(ctx context.Context, h *engine.Handle) (system.Info, error)
}

type Options struct {
	Resolver *transport.Resolver
	Builder  Builder
	// Tunnels enables ssh connection tests and lets the registry notice
	// tunnels that die on their own.
	Tunnels       *sshtunnel.Manager
	RateLimiter   *RateLimiter
	HealthTimeout time.Duration
}

// Entry is a live connection.
type Entry struct {
	HostID      string
	Name        string
	Kind        dockerhost.Kind
	ConnectedAt time.Time
	Summary     dockerhost.HostSummary

	handle *engine.Handle
}

func (e *Entry) Client() dockerclient.APIClient { return e.handle.Client }

func (e *Entry) Tunnel() *sshtunnel.Tunnel { return e.handle.Tunnel }

// HostStatus is a snapshot of one host as seen by the registry.
type HostStatus struct {
	HostID      string                  `json:"host_id"`
	Name        string                  `json:"name,omitempty"`
	Kind        dockerhost.Kind         `json:"kind,omitempty"`
	State       State                   `json:"state"`
	LastError   string                  `json:"last_error,omitempty"`
	ConnectedAt *time.Time              `json:"connected_at,omitempty"`
	Summary     *dockerhost.HostSummary `json:"summary,omitempty"`
	Tunnel      *sshtunnel.Metrics      `json:"tunnel,omitempty"`
	RateLimit   *RateLimitStatus        `json:"rate_limit,omitempty"`
}

type Registry struct {
	resolver      *transport.Resolver
	builder       Builder
	tunnels       *sshtunnel.Manager
	limiter       *RateLimiter
	healthTimeout time.Duration

	locks  *hostLocks
	states *stateTracker

	mu      sync.RWMutex
	entries map[string]*Entry
}

func New(opts Options) *Registry {
	r := &Registry{
		resolver:      opts.Resolver,
		builder:       opts.Builder,
		tunnels:       opts.Tunnels,
		limiter:       opts.RateLimiter,
		healthTimeout: opts.HealthTimeout,
		locks:         newHostLocks(),
		states:        newStateTracker(),
		entries:       make(map[string]*Entry),
	}
	if r.resolver == nil {
		r.resolver = &transport.Resolver{}
	}
	if r.healthTimeout <= 0 {
		r.healthTimeout = DefaultHealthTimeout
	}
	if r.tunnels != nil {
		r.tunnels.OnTunnelClosed(func(hostID string, t *sshtunnel.Tunnel, reason error) {
			if reason == nil {
				return
			}
			// Teardown may be running under this host's lock.
			go r.tunnelLost(hostID, t, reason)
		})
	}
	return r
}

// Connect establishes a connection for d and returns the engine summary.
// An existing connection for the same host id is torn down first. On
// failure nothing is registered and any partial setup is released.
func (r *Registry) Connect(ctx context.Context, d dockerhost.Descriptor) (*dockerhost.HostSummary, error) {
	if strings.TrimSpace(d.ID) == "" {
		return nil, fmt.Errorf("%w: host id is required", dockerhost.ErrConfig)
	}
	unlock := r.locks.lock(d.ID)
	defer unlock()

	if r.limiter != nil {
		if err := r.limiter.Allow(d.ID); err != nil {
			return nil, err
		}
	}

	spec, err := r.resolver.Resolve(d)
	if err != nil {
		return nil, err
	}

	if err := r.disconnectLocked(d.ID, "replaced by new connection"); err != nil {
		log.Warnf("[registry] closing previous connection for %s: %v", logutil.SanitizeForLog(d.ID), err)
	}

	r.states.set(d.ID, StateConnecting, "connecting via "+string(spec.Kind))

	h, err := r.builder.Open(ctx, d.ID, spec)
	if err != nil {
		r.failed(d.ID, err)
		return nil, err
	}
	info, err := r.builder.Probe(ctx, h)
	if err != nil {
		if cerr := h.Close(); cerr != nil {
			log.Debugf("[registry] releasing handle for %s: %v", logutil.SanitizeForLog(d.ID), cerr)
		}
		r.failed(d.ID, err)
		return nil, err
	}
	// The tunnel may have died between the probe and now. Its teardown
	// callback waits on this lock and would find no entry to drop.
	if h.Tunnel != nil && h.Tunnel.Closed() {
		err := fmt.Errorf("%w: tunnel closed during connect: %w", dockerhost.ErrSSH, h.Tunnel.Err())
		if cerr := h.Close(); cerr != nil {
			log.Debugf("[registry] releasing handle for %s: %v", logutil.SanitizeForLog(d.ID), cerr)
		}
		r.failed(d.ID, err)
		return nil, err
	}

	summary := dockerhost.SummaryFromInfo(info, h.Client.ClientVersion())
	entry := &Entry{
		HostID:      d.ID,
		Name:        d.DisplayName(),
		Kind:        spec.Kind,
		ConnectedAt: time.Now(),
		Summary:     summary,
		handle:      h,
	}
	r.mu.Lock()
	r.entries[d.ID] = entry
	r.mu.Unlock()

	r.states.set(d.ID, StateConnected, "")
	if r.limiter != nil {
		r.limiter.RecordSuccess(d.ID)
	}
	log.Infof("[registry] connected %s (%s): docker %s on %s",
		logutil.SanitizeForLog(d.ID), spec.Kind, summary.Version, logutil.SanitizeForLog(summary.OS))
	return &summary, nil
}

func (r *Registry) failed(hostID string, err error) {
	r.states.set(hostID, StateError, err.Error())
	if r.limiter != nil {
		r.limiter.RecordFailure(hostID)
	}
	log.Warnf("[registry] connect %s failed: %v", logutil.SanitizeForLog(hostID), err)
}

// Disconnect tears down the connection for hostID. It is a no-op when the
// host is not connected.
func (r *Registry) Disconnect(hostID string) error {
	unlock := r.locks.lock(hostID)
	defer unlock()
	return r.disconnectLocked(hostID, "disconnected")
}

// Must be called with the host lock held.
func (r *Registry) disconnectLocked(hostID, reason string) error {
	r.mu.Lock()
	e, ok := r.entries[hostID]
	delete(r.entries, hostID)
	r.mu.Unlock()

	if !ok {
		if r.states.get(hostID) == StateError {
			r.states.set(hostID, StateDisconnected, reason)
		}
		return nil
	}

	err := e.handle.Close()
	r.states.set(hostID, StateDisconnected, reason)
	log.Infof("[registry] disconnected %s (%s)", logutil.SanitizeForLog(hostID), reason)
	if err != nil {
		return fmt.Errorf("close connection for %s: %w", hostID, err)
	}
	return nil
}

// Forget disconnects hostID and drops its state history and rate limit
// record.
func (r *Registry) Forget(hostID string) error {
	err := r.Disconnect(hostID)
	r.states.forget(hostID)
	if r.limiter != nil {
		r.limiter.Reset(hostID)
	}
	return err
}

// GetClient returns the engine client for a connected host.
func (r *Registry) GetClient(hostID string) (dockerclient.APIClient, error) {
	e, ok := r.Entry(hostID)
	if !ok {
		return nil, fmt.Errorf("%w: host %s", dockerhost.ErrNotConnected, hostID)
	}
	return e.Client(), nil
}

func (r *Registry) Entry(hostID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[hostID]
	return e, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) State(hostID string) State { return r.states.get(hostID) }

func (r *Registry) Transitions(hostID string) []Transition { return r.states.history(hostID) }

// OnStateChange registers a callback for every state change.
func (r *Registry) OnStateChange(cb StateCallback) { r.states.onChange(cb) }

// Status returns a snapshot for hostID, whether or not it is connected.
func (r *Registry) Status(hostID string) HostStatus {
	st := HostStatus{
		HostID:    hostID,
		State:     r.states.get(hostID),
		LastError: r.states.lastError(hostID),
	}
	if e, ok := r.Entry(hostID); ok {
		st.Name = e.Name
		st.Kind = e.Kind
		at := e.ConnectedAt
		st.ConnectedAt = &at
		summary := e.Summary
		st.Summary = &summary
		if t := e.Tunnel(); t != nil {
			m := t.Metrics()
			st.Tunnel = &m
		}
	}
	if r.limiter != nil {
		rl := r.limiter.Status(hostID)
		st.RateLimit = &rl
	}
	return st
}

// List returns a snapshot of every host the registry has seen, sorted by id.
func (r *Registry) List() []HostStatus {
	ids := make(map[string]struct{})
	for id := range r.states.all() {
		ids[id] = struct{}{}
	}
	for _, id := range r.hostIDs() {
		ids[id] = struct{}{}
	}

	out := make([]HostStatus, 0, len(ids))
	for id := range ids {
		out = append(out, r.Status(id))
	}
	slices.SortFunc(out, func(a, b HostStatus) int { return strings.Compare(a.HostID, b.HostID) })
	return out
}

func (r *Registry) hostIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// CleanupAll disconnects every host. Failures are logged and skipped, so
// it is safe to call during shutdown.
func (r *Registry) CleanupAll() {
	ids := r.hostIDs()
	for _, id := range ids {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Errorf("[registry] panic while disconnecting %s: %v", logutil.SanitizeForLog(id), p)
				}
			}()
			if err := r.Disconnect(id); err != nil {
				log.Warnf("[registry] cleanup %s: %v", logutil.SanitizeForLog(id), err)
			}
		}()
	}
	if len(ids) > 0 {
		log.Infof("[registry] cleaned up %d connection(s)", len(ids))
	}
}

// TestConnection checks that d is reachable without registering anything.
// For ssh it establishes and authenticates a session; for local and tcp it
// builds a client and probes the engine.
func (r *Registry) TestConnection(ctx context.Context, d dockerhost.Descriptor) (bool, error) {
	spec, err := r.resolver.Resolve(d)
	if err != nil {
		return false, err
	}

	if spec.Kind == dockerhost.KindSSH {
		if r.tunnels == nil {
			return false, fmt.Errorf("%w: ssh transport requires a tunnel manager", dockerhost.ErrConnect)
		}
		if err := r.tunnels.Test(ctx, engine.TunnelParams(spec.SSH)); err != nil {
			return false, err
		}
		return true, nil
	}

	h, err := r.builder.Open(ctx, "test:"+d.ID, spec)
	if err != nil {
		return false, err
	}
	defer h.Close()
	if _, err := r.builder.Probe(ctx, h); err != nil {
		return false, err
	}
	return true, nil
}

// HealthResult is the outcome of one health check.
type HealthResult struct {
	HostID  string        `json:"host_id"`
	Healthy bool          `json:"healthy"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// CheckHealth pings every connected engine. Hosts that do not answer are
// torn down and left in the error state.
func (r *Registry) CheckHealth(ctx context.Context) []HealthResult {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	results := make([]HealthResult, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, e := range entries {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, r.healthTimeout)
			defer cancel()

			start := time.Now()
			_, err := e.Client().Ping(pctx)
			results[i] = HealthResult{HostID: e.HostID, Healthy: err == nil, Latency: time.Since(start)}
			if err != nil {
				results[i].Error = err.Error()
				r.dropEntry(e, fmt.Errorf("%w: health check: %w", dockerhost.ErrConnect, err))
			}
			return nil
		})
	}
	g.Wait()

	slices.SortFunc(results, func(a, b HealthResult) int { return strings.Compare(a.HostID, b.HostID) })
	return results
}

func (r *Registry) tunnelLost(hostID string, t *sshtunnel.Tunnel, reason error) {
	unlock := r.locks.lock(hostID)
	defer unlock()

	e, ok := r.Entry(hostID)
	if !ok || e.Tunnel() != t {
		return
	}
	r.dropEntryLocked(e, fmt.Errorf("%w: tunnel lost: %w", dockerhost.ErrSSH, reason))
}

// dropEntry removes e if it is still the live entry for its host.
func (r *Registry) dropEntry(e *Entry, reason error) {
	unlock := r.locks.lock(e.HostID)
	defer unlock()
	r.dropEntryLocked(e, reason)
}

// Must be called with the host lock held.
func (r *Registry) dropEntryLocked(e *Entry, reason error) {
	r.mu.Lock()
	cur, ok := r.entries[e.HostID]
	if !ok || cur != e {
		r.mu.Unlock()
		return
	}
	delete(r.entries, e.HostID)
	r.mu.Unlock()

	if err := e.handle.Close(); err != nil && !errors.Is(err, context.Canceled) {
		log.Debugf("[registry] closing dropped connection %s: %v", logutil.SanitizeForLog(e.HostID), err)
	}
	r.states.set(e.HostID, StateError, reason.Error())
	log.Warnf("[registry] dropped %s: %v", logutil.SanitizeForLog(e.HostID), reason)
}
