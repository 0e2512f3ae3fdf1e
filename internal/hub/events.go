package hub

import (
	"encoding/json"
	"time"

	"streamhub/internal/models"
)

// Inbound event names accepted from clients. Event names and payload field
// names are the wire contract and must not change.
const (
	eventAuthenticate = "authenticate"
	eventJoinStream   = "join-stream"
	eventLeaveStream  = "leave-stream"
	eventChatMessage  = "chat-message"
	eventTypingStart  = "typing-start"
	eventTypingStop   = "typing-stop"
)

// inboundEvent is the union of every client-to-hub payload. The event name
// travels in the envelope's "event" field; payloads are validated per event
// before they reach any component.
type inboundEvent struct {
	Event    string `json:"event"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
	StreamID string `json:"streamId,omitempty"`
	Message  string `json:"message,omitempty"`
}

type authenticatedEvent struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type streamJoinedEvent struct {
	Event       string `json:"event"`
	StreamID    string `json:"streamId"`
	ViewerCount int    `json:"viewerCount"`
	Message     string `json:"message"`
}

type viewerPresenceEvent struct {
	Event       string `json:"event"`
	Username    string `json:"username"`
	ViewerCount int    `json:"viewerCount"`
}

type viewerCountUpdateEvent struct {
	Event       string `json:"event"`
	StreamID    string `json:"streamId"`
	ViewerCount int    `json:"viewerCount"`
}

type newMessageEvent struct {
	Event     string    `json:"event"`
	ID        string    `json:"id"`
	StreamID  string    `json:"streamId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Avatar    string    `json:"avatar"`
}

type typingEvent struct {
	Event    string `json:"event"`
	Username string `json:"username"`
	UserID   string `json:"userId"`
}

type notificationEvent struct {
	Event     string                  `json:"event"`
	Type      models.NotificationType `json:"type"`
	Title     string                  `json:"title"`
	Message   string                  `json:"message"`
	Data      map[string]any          `json:"data,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

type streamerSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type newLiveStreamEvent struct {
	Event    string          `json:"event"`
	StreamID string          `json:"streamId"`
	Title    string          `json:"title"`
	Streamer streamerSummary `json:"streamer"`
}

type chatBannedEvent struct {
	Event     string    `json:"event"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type errorEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// marshalEvent serialises an outbound event. Event structs contain nothing
// that can fail to marshal, so errors indicate programmer mistakes.
func marshalEvent(event any) []byte {
	payload, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}
	return payload
}

func errorPayload(message string) []byte {
	return marshalEvent(errorEvent{Event: "error", Message: message})
}

// notificationPayload renders a Notification as the generic notification
// event. System announcements and stream endings keep their dedicated event
// names so clients can route them to different surfaces.
func notificationPayload(n models.Notification) []byte {
	name := "notification"
	switch n.Type {
	case models.NotificationSystemAnnouncement:
		name = "system-announcement"
	case models.NotificationStreamEnded:
		name = "stream-ended"
	}
	return marshalEvent(notificationEvent{
		Event:     name,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		Timestamp: n.CreatedAt,
	})
}
