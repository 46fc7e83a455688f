package registry

import (
	"sync"
	"time"
)

// State is the connection state of one host.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

func (s State) String() string { return string(s) }

// Transition records a state change for debugging.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StateCallback is called after a host's state changes. It runs outside
// the tracker lock.
type StateCallback func(hostID string, from, to State, reason string)

const maxTransitionsPerHost = 50

type stateTracker struct {
	mu          sync.RWMutex
	states      map[string]State
	lastErrors  map[string]string
	transitions map[string][]Transition
	callbacks   []StateCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		states:      make(map[string]State),
		lastErrors:  make(map[string]string),
		transitions: make(map[string][]Transition),
	}
}

// get returns StateDisconnected for hosts never seen.
func (t *stateTracker) get(hostID string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[hostID]; ok {
		return s
	}
	return StateDisconnected
}

func (t *stateTracker) lastError(hostID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErrors[hostID]
}

// set records the new state and returns the previous one. Entering
// StateError stores reason as the host's last error.
func (t *stateTracker) set(hostID string, to State, reason string) State {
	t.mu.Lock()
	from, ok := t.states[hostID]
	if !ok {
		from = StateDisconnected
	}
	if to == StateError {
		t.lastErrors[hostID] = reason
	} else if to == StateConnected {
		delete(t.lastErrors, hostID)
	}
	if from == to {
		t.mu.Unlock()
		return from
	}
	t.states[hostID] = to

	trans := append(t.transitions[hostID], Transition{From: from, To: to, Reason: reason, Timestamp: time.Now()})
	if len(trans) > maxTransitionsPerHost {
		trans = trans[len(trans)-maxTransitionsPerHost:]
	}
	t.transitions[hostID] = trans

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(hostID, from, to, reason)
	}
	return from
}

func (t *stateTracker) history(hostID string) []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Transition, len(t.transitions[hostID]))
	copy(out, t.transitions[hostID])
	return out
}

func (t *stateTracker) all() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]State, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// forget drops state and history, used when a host is deleted.
func (t *stateTracker) forget(hostID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, hostID)
	delete(t.lastErrors, hostID)
	delete(t.transitions, hostID)
}

func (t *stateTracker) onChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
