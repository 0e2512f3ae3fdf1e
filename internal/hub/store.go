package hub

import (
	"time"

	"streamhub/internal/models"
)

// Store exposes the operations the hub requires from the external stream and
// user repository. The hub treats the repository as an eventually-consistent
// mirror: in-memory state stays authoritative for live clients, and a failed
// write never blocks or rolls back a broadcast.
type Store interface {
	GetUser(id string) (models.User, bool)
	ListFollowers(userID string) []string
	UpdatePresence(userID string, online bool, lastSeen time.Time) error

	FindUserByStreamKey(key string) (models.User, bool)
	FindOrCreateLiveStream(streamerID string) (models.Stream, error)
	GetStream(id string) (models.Stream, bool)
	SaveStream(stream models.Stream) error
}

// Transport delivers raw event payloads to live connections. The hub's
// WebSocket layer implements it; tests substitute a recording fake.
// Deliver must not block: slow consumers drop frames instead of stalling
// fan-out for everyone else.
type Transport interface {
	Deliver(connID string, payload []byte)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(connID string, payload []byte)

func (f TransportFunc) Deliver(connID string, payload []byte) { f(connID, payload) }
