// Package registry provides the process-scoped directory of live
// connections. It is the single owner of the connection-id mapping and is
// constructed once at startup and passed to every component that needs it.
package registry

import (
	"fmt"
	"sync"

	"github.com/threadline-ai/threadline/internal/connstate"
	"github.com/threadline-ai/threadline/internal/logging"
)

// ErrDuplicateConnection is returned when a connection id is registered
// twice. Duplicate registration is a programming error, not a retryable
// condition.
var ErrDuplicateConnection = fmt.Errorf("connection id already registered")

// Registry maps connection ids to their state machines. All methods are
// safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connstate.Connection
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*connstate.Connection),
	}
}

// Register creates a new connection record in the Connecting state. It
// fails if connectionID is already registered.
func (r *Registry) Register(connectionID, userID string) (*connstate.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connectionID]; exists {
		return nil, fmt.Errorf("register %q: %w", connectionID, ErrDuplicateConnection)
	}

	conn := connstate.New(connectionID, userID)
	r.conns[connectionID] = conn

	logging.Debug().
		Str("connectionID", connectionID).
		Str("userID", userID).
		Msg("connection registered")
	return conn, nil
}

// Unregister removes the record for connectionID. Unregistering an unknown
// id is a no-op. Callers holding a reference past unregistration keep an
// inert state machine; it no longer receives broadcasts.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	_, existed := r.conns[connectionID]
	delete(r.conns, connectionID)
	r.mu.Unlock()

	if existed {
		logging.Debug().
			Str("connectionID", connectionID).
			Msg("connection unregistered")
	}
}

// Get returns the connection registered under connectionID, if any.
func (r *Registry) Get(connectionID string) (*connstate.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// List returns a snapshot of every registered connection.
func (r *Registry) List() []*connstate.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connstate.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Shutdown closes every live connection and empties the registry. Setup
// stages that cannot legally reach Closed are simply dropped.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]*connstate.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*connstate.Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.TransitionTo(connstate.Closed, "registry shutdown")
	}
}
