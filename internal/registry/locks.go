package registry

import "sync"

// hostLocks hands out one mutex per host id. Entries are reference counted
// and dropped once nobody holds or waits for them.
type hostLocks struct {
	mu    sync.Mutex
	locks map[string]*hostLock
}

type hostLock struct {
	mu   sync.Mutex
	refs int
}

func newHostLocks() *hostLocks {
	return &hostLocks{locks: make(map[string]*hostLock)}
}

// lock blocks until hostID is free and returns the matching unlock.
func (l *hostLocks) lock(hostID string) func() {
	l.mu.Lock()
	hl, ok := l.locks[hostID]
	if !ok {
		hl = &hostLock{}
		l.locks[hostID] = hl
	}
	hl.refs++
	l.mu.Unlock()

	hl.mu.Lock()
	return func() {
		hl.mu.Unlock()
		l.mu.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.locks, hostID)
		}
		l.mu.Unlock()
	}
}
