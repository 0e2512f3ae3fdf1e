package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection is one live transport session. A connection carries at most one
// user identity, set exactly once at authentication and never reassigned.
type Connection struct {
	ID       string
	UserID   string
	Username string
	OpenedAt time.Time
}

// Authenticated reports whether the connection has a bound user identity.
func (c Connection) Authenticated() bool {
	return c.UserID != ""
}

// Registry is the source of truth for which connections are open and which
// user, if any, each one belongs to. A user may own several connections at
// once (multi-device); "user is online" means their connection set is
// non-empty.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Connection
	byUser map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]Connection),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Open records a new unauthenticated connection and returns its id.
func (r *Registry) Open() Connection {
	conn := Connection{
		ID:       "conn-" + uuid.NewString(),
		OpenedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()
	return conn
}

// Authenticate binds a user identity to an open connection. Calling it twice
// on the same connection fails with ErrAlreadyAuthenticated even when the
// identity matches; the transition is one-shot by design.
func (r *Registry) Authenticate(connID, userID, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("authenticate %s: %w", connID, ErrUnknownConnection)
	}
	if conn.Authenticated() {
		return fmt.Errorf("authenticate %s: %w", connID, ErrAlreadyAuthenticated)
	}
	conn.UserID = userID
	conn.Username = username
	r.conns[connID] = conn
	set := r.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[connID] = struct{}{}
	return nil
}

// Close removes the connection and returns the user it belonged to so the
// caller can cascade cleanup. Closing an unknown or never-authenticated
// connection is a no-op, not an error; remaining reports how many
// connections the user still holds.
func (r *Registry) Close(connID string) (userID string, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return "", 0
	}
	delete(r.conns, connID)
	if !conn.Authenticated() {
		return "", 0
	}
	if set := r.byUser[conn.UserID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, conn.UserID)
		} else {
			remaining = len(set)
		}
	}
	return conn.UserID, remaining
}

// Get returns the connection record for the given id.
func (r *Registry) Get(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// ConnectionsOf returns the ids of every open connection held by the user.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// IsOnline reports whether the user holds at least one open connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// AuthenticatedConnections returns the ids of every connection with a bound
// identity, for hub-wide broadcasts.
func (r *Registry) AuthenticatedConnections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id, conn := range r.conns {
		if conn.Authenticated() {
			ids = append(ids, id)
		}
	}
	return ids
}
