// Package hub implements the real-time coordination layer: connection and
// room tracking, presence, viewer counts, chat fan-out, notification routing,
// and the stream lifecycle state machine. All coordination state lives in
// memory; the backing repository is a write-through mirror that can fail
// without affecting live clients.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"streamhub/internal/auth"
	"streamhub/internal/models"
	"streamhub/internal/observability/metrics"
)

// Config configures a Hub and its components.
type Config struct {
	Store    Store
	Verifier auth.Verifier
	// Queue receives chat and lifecycle events for external consumers. Nil
	// disables the side-channel.
	Queue Queue
	URLs  StreamURLs
	// OfflineWindow overrides the presence debounce. Zero keeps the default.
	OfflineWindow time.Duration
	// QueueCapacity overrides the per-user notification bound.
	QueueCapacity int
	// HeartbeatInterval controls WebSocket ping frames. Zero disables them.
	HeartbeatInterval time.Duration
	// Scheduler overrides the presence timer implementation, for tests.
	Scheduler Scheduler
	Logger    *slog.Logger
}

// Hub owns the coordination components and the live connection transport.
// It is the single Transport implementation in production: every component
// fans events out through the hub's client table, where delivery to a slow
// consumer drops the frame rather than blocking.
type Hub struct {
	registry  *Registry
	rooms     *Rooms
	presence  *Presence
	notifier  *Dispatcher
	viewers   *Viewers
	chat      *Chat
	lifecycle *Lifecycle
	store     Store
	verifier  auth.Verifier
	logger    *slog.Logger

	heartbeatInterval time.Duration

	mu      sync.RWMutex
	clients map[string]*client
}

// New wires up a Hub from the configuration. The hub itself is the transport
// handed to every component.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = auth.AllowAll()
	}

	h := &Hub{
		store:             cfg.Store,
		verifier:          verifier,
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		clients:           make(map[string]*client),
	}
	h.registry = NewRegistry()
	h.rooms = NewRooms(h.registry)
	h.notifier = NewDispatcher(DispatcherConfig{
		Registry:  h.registry,
		Transport: h,
		Capacity:  cfg.QueueCapacity,
		Logger:    logger,
	})
	h.presence = NewPresence(PresenceConfig{
		Registry:  h.registry,
		Store:     cfg.Store,
		Notifier:  h.notifier,
		Scheduler: cfg.Scheduler,
		Window:    cfg.OfflineWindow,
		Logger:    logger,
	})
	h.viewers = NewViewers(ViewersConfig{
		Rooms:     h.rooms,
		Store:     cfg.Store,
		Transport: h,
		Logger:    logger,
	})
	h.chat = NewChat(ChatConfig{
		Registry:  h.registry,
		Rooms:     h.rooms,
		Store:     cfg.Store,
		Transport: h,
		Notifier:  h.notifier,
		Queue:     cfg.Queue,
		Logger:    logger,
	})
	h.lifecycle = NewLifecycle(LifecycleConfig{
		Store:     cfg.Store,
		Registry:  h.registry,
		Rooms:     h.rooms,
		Notifier:  h.notifier,
		Viewers:   h.viewers,
		Transport: h,
		Queue:     cfg.Queue,
		URLs:      cfg.URLs,
		Logger:    logger,
	})
	return h
}

// Deliver sends a payload to the connection's write loop. Unknown connections
// and full send buffers drop the frame; fan-out never blocks on one client.
func (h *Hub) Deliver(connID string, payload []byte) {
	h.mu.RLock()
	c := h.clients[connID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.logger.Debug("dropping frame for slow consumer", "connection_id", connID)
	}
}

// HandleConnection upgrades the request to a WebSocket and runs the
// connection until the client goes away.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.Context().Done()
		cancel()
	}()

	record := h.registry.Open()
	c := &client{
		hub:    h,
		conn:   conn,
		connID: record.ID,
		send:   make(chan []byte, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.mu.Lock()
	h.clients[record.ID] = c
	h.mu.Unlock()
	metrics.Default().ConnectionOpened()
	h.logger.Debug("connection opened", "connection_id", record.ID)

	go c.writeLoop()
	if h.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, h.heartbeatInterval)
	}
	go c.readLoop(ctx)
}

// Authenticate verifies the claimed identity and binds it to the connection.
// On success the user's presence flips online as needed and any queued
// notifications flush to the fresh connection.
func (h *Hub) Authenticate(connID string, identity auth.Identity, token string) error {
	if identity.UserID == "" {
		return fmt.Errorf("userId is required: %w", ErrValidation)
	}
	if err := h.verifier.Verify(token, identity); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	username := identity.Username
	if user, ok := h.store.GetUser(identity.UserID); ok {
		username = user.DisplayName()
	}
	if err := h.registry.Authenticate(connID, identity.UserID, username); err != nil {
		return err
	}
	h.presence.HandleAuthenticated(identity.UserID)
	if flushed := h.notifier.FlushQueued(identity.UserID); flushed > 0 {
		h.logger.Debug("flushed queued notifications",
			"user_id", identity.UserID, "count", flushed)
	}
	return nil
}

// JoinStream adds the connection to the stream's room and returns the viewer
// count after the join. Rejoining reports the current count without emitting
// any membership events.
func (h *Hub) JoinStream(streamID, connID string) (int, error) {
	if streamID == "" {
		return 0, fmt.Errorf("streamId is required: %w", ErrValidation)
	}
	if err := h.viewers.EnsureJoinable(streamID); err != nil {
		return 0, err
	}
	count, added, err := h.rooms.Join(streamID, connID)
	if err != nil {
		return 0, err
	}
	if !added {
		return count, nil
	}
	conn, _ := h.registry.Get(connID)
	h.broadcastToRoom(streamID, marshalEvent(viewerPresenceEvent{
		Event:       "viewer-joined",
		Username:    conn.Username,
		ViewerCount: count,
	}), connID)
	h.viewers.OnJoin(streamID, count)
	return count, nil
}

// LeaveStream removes the connection from the room. Leaving a room the
// connection is not in is a silent no-op.
func (h *Hub) LeaveStream(streamID, connID string) {
	count, removed := h.rooms.Leave(streamID, connID)
	if !removed {
		return
	}
	conn, _ := h.registry.Get(connID)
	h.broadcastToRoom(streamID, marshalEvent(viewerPresenceEvent{
		Event:       "viewer-left",
		Username:    conn.Username,
		ViewerCount: count,
	}), connID)
	h.viewers.OnLeave(streamID, count)
}

// Disconnect tears down all state held for the connection: room memberships,
// the registry record, and, when this was the user's last connection, the
// presence debounce timer. It is idempotent.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	_, known := h.clients[connID]
	delete(h.clients, connID)
	h.mu.Unlock()

	conn, open := h.registry.Get(connID)
	if !open {
		return
	}
	affected := h.rooms.EvictConnection(connID)
	userID, _ := h.registry.Close(connID)
	for _, room := range affected {
		h.broadcastToRoom(room.StreamID, marshalEvent(viewerPresenceEvent{
			Event:       "viewer-left",
			Username:    conn.Username,
			ViewerCount: room.ViewerCount,
		}), connID)
		h.viewers.OnLeave(room.StreamID, room.ViewerCount)
	}
	if userID != "" {
		h.presence.HandleClosed(userID)
	}
	if known {
		metrics.Default().ConnectionClosed()
	}
	h.logger.Debug("connection closed", "connection_id", connID, "user_id", userID)
}

// PostMessage validates and broadcasts a chat message from the connection.
func (h *Hub) PostMessage(ctx context.Context, streamID, connID, text string) (models.ChatMessage, error) {
	return h.chat.PostMessage(ctx, streamID, connID, text)
}

// Typing relays a typing hint to the rest of the room.
func (h *Hub) Typing(streamID, connID string, active bool) {
	h.chat.Typing(streamID, connID, active)
}

// BroadcastSystem announces a message to every connected user.
func (h *Hub) BroadcastSystem(message, severity string) {
	h.notifier.BroadcastSystem(message, severity)
}

// Notify routes a notification to the user through the dispatcher, queueing
// it when the user is offline.
func (h *Hub) Notify(userID string, notification models.Notification) {
	h.notifier.Send(userID, notification)
}

// Lifecycle exposes the stream lifecycle coordinator for ingestion hooks.
func (h *Hub) Lifecycle() *Lifecycle {
	return h.lifecycle
}

// Presence exposes the presence tracker, mainly for diagnostics.
func (h *Hub) Presence() *Presence {
	return h.presence
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Rooms exposes room membership state.
func (h *Hub) Rooms() *Rooms {
	return h.rooms
}

// Notifier exposes the notification dispatcher.
func (h *Hub) Notifier() *Dispatcher {
	return h.notifier
}

// Viewers exposes the viewer count aggregator.
func (h *Hub) Viewers() *Viewers {
	return h.viewers
}

func (h *Hub) broadcastToRoom(streamID string, payload []byte, exclude string) {
	for _, memberID := range h.rooms.Connections(streamID) {
		if memberID == exclude {
			continue
		}
		h.Deliver(memberID, payload)
	}
}
