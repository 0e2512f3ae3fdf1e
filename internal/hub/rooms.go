package hub

import (
	"fmt"
	"sort"
	"sync"
)

// RoomCount pairs a stream with its member count after a mutation. Every
// entry returned by EvictConnection must trigger a count broadcast.
type RoomCount struct {
	StreamID    string
	ViewerCount int
}

// Rooms tracks which connections are watching which stream. The viewer count
// of a room is always the size of its member set; it is never stored
// separately. Personal delivery channels live in the Registry, not here, so
// they can never leak into a viewer count.
type Rooms struct {
	registry *Registry

	mu     sync.RWMutex
	rooms  map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
}

func NewRooms(registry *Registry) *Rooms {
	return &Rooms{
		registry: registry,
		rooms:    make(map[string]map[string]struct{}),
		byConn:   make(map[string]map[string]struct{}),
	}
}

// Join adds the connection to the room and returns the post-join viewer
// count. Rejoining is a no-op that still returns the current count, with
// added reporting false so callers skip the membership broadcasts.
// Unauthenticated connections cannot join any room.
func (r *Rooms) Join(streamID, connID string) (count int, added bool, err error) {
	conn, ok := r.registry.Get(connID)
	if !ok || !conn.Authenticated() {
		return 0, false, fmt.Errorf("join %s: %w", streamID, ErrUnauthenticated)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[streamID]
	if members == nil {
		members = make(map[string]struct{})
		r.rooms[streamID] = members
	}
	if _, already := members[connID]; !already {
		members[connID] = struct{}{}
		added = true
	}
	joined := r.byConn[connID]
	if joined == nil {
		joined = make(map[string]struct{})
		r.byConn[connID] = joined
	}
	joined[streamID] = struct{}{}
	return len(members), added, nil
}

// Leave removes the connection from the room and returns the post-leave
// count. Leaving a room the connection never joined is a no-op with removed
// reporting false.
func (r *Rooms) Leave(streamID, connID string) (count int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, member := r.rooms[streamID][connID]; !member {
		return len(r.rooms[streamID]), false
	}
	return r.leaveLocked(streamID, connID), true
}

func (r *Rooms) leaveLocked(streamID, connID string) int {
	members := r.rooms[streamID]
	if members == nil {
		return 0
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, streamID)
	}
	if joined := r.byConn[connID]; joined != nil {
		delete(joined, streamID)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
	return len(members)
}

// EvictConnection removes the connection from every room it belongs to and
// returns the affected rooms with their new counts, sorted for determinism.
func (r *Rooms) EvictConnection(connID string) []RoomCount {
	r.mu.Lock()
	defer r.mu.Unlock()
	joined := r.byConn[connID]
	if len(joined) == 0 {
		return nil
	}
	affected := make([]RoomCount, 0, len(joined))
	for streamID := range joined {
		count := r.leaveLocked(streamID, connID)
		affected = append(affected, RoomCount{StreamID: streamID, ViewerCount: count})
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].StreamID < affected[j].StreamID })
	return affected
}

// Contains reports whether the connection is currently a member of the room.
func (r *Rooms) Contains(streamID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[streamID][connID]
	return ok
}

// Count returns the current member count for the room.
func (r *Rooms) Count(streamID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[streamID])
}

// Connections returns the member connection ids of the room.
func (r *Rooms) Connections(streamID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[streamID]
	if len(members) == 0 {
		return nil
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// MembersOf returns the distinct user ids watching the room, for display.
// Multiple connections from the same user collapse to one entry.
func (r *Rooms) MembersOf(streamID string) []string {
	conns := r.Connections(streamID)
	seen := make(map[string]struct{}, len(conns))
	users := make([]string, 0, len(conns))
	for _, connID := range conns {
		conn, ok := r.registry.Get(connID)
		if !ok || !conn.Authenticated() {
			continue
		}
		if _, dup := seen[conn.UserID]; dup {
			continue
		}
		seen[conn.UserID] = struct{}{}
		users = append(users, conn.UserID)
	}
	sort.Strings(users)
	return users
}
