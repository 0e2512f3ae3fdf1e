package models

import (
	"strings"
	"time"
)

type User struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	IsStreamer    bool      `json:"isStreamer"`
	ChatBanned    bool      `json:"chatBanned"`
	ChatBanReason string    `json:"chatBanReason,omitempty"`
	IsOnline      bool      `json:"isOnline"`
	LastSeen      time.Time `json:"lastSeen"`
	CreatedAt     time.Time `json:"createdAt"`
}

// DisplayName returns the username trimmed for presentation, falling back to
// the user id when the profile carries no usable name.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.Username); name != "" {
		return name
	}
	return u.ID
}

// StreamState tracks where a stream sits in its NotLive -> Live -> Ended
// lifecycle. Ended is terminal; a new broadcast on the same stream key
// produces a fresh Stream entity.
type StreamState string

const (
	StreamStateNotLive StreamState = "not_live"
	StreamStateLive    StreamState = "live"
	StreamStateEnded   StreamState = "ended"
)

type Stream struct {
	ID               string      `json:"id"`
	StreamerID       string      `json:"streamerId"`
	Title            string      `json:"title"`
	State            StreamState `json:"state"`
	CurrentSessionID *string     `json:"currentSessionId,omitempty"`
	IngestURL        string      `json:"ingestUrl,omitempty"`
	PlaybackURL      string      `json:"playbackUrl,omitempty"`
	StartedAt        *time.Time  `json:"startedAt,omitempty"`
	EndedAt          *time.Time  `json:"endedAt,omitempty"`
	DurationSeconds  int         `json:"durationSeconds"`
	ViewerCount      int         `json:"viewerCount"`
	TotalViews       int         `json:"totalViews"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// IsLive reports whether the stream currently accepts new viewers.
func (s Stream) IsLive() bool {
	return s.State == StreamStateLive
}

type ChatMessage struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"streamId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// NotificationType enumerates the structured notifications the hub delivers
// to personal channels.
type NotificationType string

const (
	NotificationStreamStarted      NotificationType = "stream_started"
	NotificationStreamEnded        NotificationType = "stream_ended"
	NotificationNewFollower        NotificationType = "new_follower"
	NotificationUserOnline         NotificationType = "user_online"
	NotificationUserOffline        NotificationType = "user_offline"
	NotificationChatMention        NotificationType = "chat_mention"
	NotificationSystemAnnouncement NotificationType = "system_announcement"
	NotificationChatBanned         NotificationType = "chat_banned"
)

// Valid reports whether the type is one of the supported notification tags.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationStreamStarted, NotificationStreamEnded, NotificationNewFollower,
		NotificationUserOnline, NotificationUserOffline, NotificationChatMention,
		NotificationSystemAnnouncement, NotificationChatBanned:
		return true
	}
	return false
}

type Notification struct {
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}
