// Package registry tracks which peer endpoints currently have an active
// session on the server, so the dispatcher can refuse to double-dispatch a
// handshake retry from an already-live peer.
package registry

import (
	"net"
	"sync"

	"github.com/google/uuid"
)

// MaxConnections is the soft capacity limit on concurrently open sessions.
const MaxConnections = 10

// Entry describes a single registered connection.
type Entry struct {
	// SeqID is the monotonic sequence number assigned at open.
	SeqID uint64
	// SessionID is a UUID stamped at open for log correlation.
	SessionID uuid.UUID
}

// Registry maps peer addresses to the connection that owns them. All
// operations are atomic under a single mutex: this is the only state shared
// across the dispatcher and its session workers.
type Registry struct {
	mu     sync.Mutex
	active map[string]Entry
	total  uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{active: make(map[string]Entry)}
}

// IsOpen reports whether peer currently has a live session.
func (r *Registry) IsOpen(peer net.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[peer.String()]
	return ok
}

// Open records peer as having a live session, assigning it the next
// monotonic sequence ID and a fresh UUID. The caller is responsible for
// checking IsOpen first; Open does not itself guard against re-registering
// an already-open peer.
func (r *Registry) Open(peer net.Addr) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	e := Entry{SeqID: r.total, SessionID: uuid.New()}
	r.active[peer.String()] = e
	return e
}

// Close removes peer's registration. A session is expected to call Close
// exactly once upon termination; closing an already-absent peer is a silent
// no-op.
func (r *Registry) Close(peer net.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, peer.String())
}

// Len returns the number of currently open connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
