// Package tunnel defines the narrow collaborator interface the
// reconciliation loop uses to expose a newly discovered backend's port, per
// spec §6.1. No SSH or network-tunnel implementation is provided here —
// that remains out of scope — only the interface and an idempotent
// loopback stand-in for local development and tests, where the backend
// port is already reachable directly.
package tunnel

import (
	"strconv"
	"sync"
)

// Manager opens and closes tunnels to backend endpoints. Add and Remove
// must be idempotent: adding an already-open tunnel or removing one that
// was never opened (or already removed) is a no-op, not an error, matching
// the reconciliation loop's diff-and-apply usage where an endpoint can be
// re-observed across polls.
type Manager interface {
	AddTunnel(node string, port int) error
	RemoveTunnel(node string, port int) error
}

// Loopback is a Manager for environments where backends are already
// directly reachable (e.g. all on localhost, or already behind a network
// fabric that needs no tunneling). It only tracks which endpoints are
// considered "open" so Add/Remove idempotence can be exercised in tests.
type Loopback struct {
	mu   sync.Mutex
	open map[string]bool
}

// NewLoopback creates an empty Loopback manager.
func NewLoopback() *Loopback {
	return &Loopback{open: make(map[string]bool)}
}

func key(node string, port int) string {
	return node + ":" + strconv.Itoa(port)
}

// AddTunnel marks (node, port) open. Calling it again for the same
// endpoint is a no-op.
func (l *Loopback) AddTunnel(node string, port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open[key(node, port)] = true
	return nil
}

// RemoveTunnel marks (node, port) closed. Removing an endpoint that was
// never added, or already removed, is a no-op.
func (l *Loopback) RemoveTunnel(node string, port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.open, key(node, port))
	return nil
}

// IsOpen reports whether (node, port) is currently tracked as open —
// exposed for tests rather than the Manager interface.
func (l *Loopback) IsOpen(node string, port int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[key(node, port)]
}
