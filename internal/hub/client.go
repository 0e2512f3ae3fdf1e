package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"streamhub/internal/auth"
)

// client couples one WebSocket connection to the hub. The read loop parses
// and dispatches inbound events; the write loop drains the send buffer that
// Deliver feeds. A failure on either side tears the whole connection down.
type client struct {
	hub    *Hub
	conn   *Conn
	connID string
	send   chan []byte
	done   chan struct{}
	closed sync.Once
	cancel context.CancelFunc
}

func (c *client) writeLoop() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.conn.WriteText(payload); err != nil {
				return
			}
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var event inboundEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			c.sendError("invalid payload")
			continue
		}
		c.dispatch(ctx, event)
	}
}

// dispatch routes one inbound event. A panic while handling it is confined
// to this connection: the hub's shared state is guarded by its own locks, so
// closing the offender is enough.
func (c *client) dispatch(ctx context.Context, event inboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.hub.logger.Error("event handling panicked",
				"connection_id", c.connID, "event", event.Event, "panic", r)
			c.close()
		}
	}()

	switch event.Event {
	case eventAuthenticate:
		c.handleAuthenticate(event)
	case eventJoinStream:
		c.handleJoin(event)
	case eventLeaveStream:
		c.hub.LeaveStream(event.StreamID, c.connID)
	case eventChatMessage:
		c.handleMessage(ctx, event)
	case eventTypingStart:
		c.hub.Typing(event.StreamID, c.connID, true)
	case eventTypingStop:
		c.hub.Typing(event.StreamID, c.connID, false)
	default:
		c.sendError("unknown event")
	}
}

func (c *client) handleAuthenticate(event inboundEvent) {
	identity := auth.Identity{UserID: event.UserID, Username: event.Username}
	if err := c.hub.Authenticate(c.connID, identity, event.Token); err != nil {
		c.enqueue(marshalEvent(authenticatedEvent{
			Event:   "authentication_error",
			Success: false,
			Message: err.Error(),
		}))
		return
	}
	c.enqueue(marshalEvent(authenticatedEvent{
		Event:   "authenticated",
		Success: true,
		Message: "authentication successful",
	}))
}

func (c *client) handleJoin(event inboundEvent) {
	count, err := c.hub.JoinStream(event.StreamID, c.connID)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.enqueue(marshalEvent(streamJoinedEvent{
		Event:       "stream-joined",
		StreamID:    event.StreamID,
		ViewerCount: count,
		Message:     "joined stream",
	}))
}

func (c *client) handleMessage(ctx context.Context, event inboundEvent) {
	if event.StreamID == "" {
		c.sendError("streamId is required")
		return
	}
	if !c.hub.rooms.Contains(event.StreamID, c.connID) {
		c.sendError("join the stream first")
		return
	}
	if _, err := c.hub.PostMessage(ctx, event.StreamID, c.connID, event.Message); err != nil {
		c.sendError(err.Error())
	}
}

func (c *client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) sendError(message string) {
	c.enqueue(errorPayload(message))
}

func (c *client) close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.hub.Disconnect(c.connID)
		close(c.done)
		_ = c.conn.Close()
	})
}
