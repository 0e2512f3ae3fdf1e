package hub

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"

	"streamhub/internal/models"
	"streamhub/internal/observability/metrics"
)

// MaxMessageRunes caps chat message length after trimming and NFC
// normalisation.
const MaxMessageRunes = 500

// ChatConfig configures a chat broadcaster.
type ChatConfig struct {
	Registry  *Registry
	Rooms     *Rooms
	Store     Store
	Transport Transport
	Notifier  *Dispatcher
	// Queue receives a best-effort copy of every accepted message for the
	// external persistence hook. Nil disables the side-channel entirely.
	Queue  Queue
	Logger *slog.Logger
}

// Chat validates and fans out ephemeral messages within a room. Messages are
// not retained by the hub; persistence is the queue consumer's concern and
// its failures never block a broadcast.
type Chat struct {
	registry  *Registry
	rooms     *Rooms
	store     Store
	transport Transport
	notifier  *Dispatcher
	queue     Queue
	logger    *slog.Logger

	idMu      sync.Mutex
	idEntropy *ulid.MonotonicEntropy
}

func NewChat(cfg ChatConfig) *Chat {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{
		registry:  cfg.Registry,
		rooms:     cfg.Rooms,
		store:     cfg.Store,
		transport: cfg.Transport,
		notifier:  cfg.Notifier,
		queue:     cfg.Queue,
		logger:    logger,
		idEntropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// nextMessageID returns a ULID; ids issued by one broadcaster are strictly
// increasing, which keeps client-side ordering stable within a room.
func (c *Chat) nextMessageID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), c.idEntropy).String()
}

// PostMessage validates the sender and text, then broadcasts the message to
// every member of the room. The returned message carries the assigned id
// and timestamp.
func (c *Chat) PostMessage(ctx context.Context, streamID, connID, text string) (models.ChatMessage, error) {
	conn, ok := c.registry.Get(connID)
	if !ok || !conn.Authenticated() {
		return models.ChatMessage{}, fmt.Errorf("post message: %w", ErrUnauthenticated)
	}

	content := strings.TrimSpace(norm.NFC.String(text))
	if content == "" {
		return models.ChatMessage{}, fmt.Errorf("message cannot be empty: %w", ErrValidation)
	}
	if len([]rune(content)) > MaxMessageRunes {
		return models.ChatMessage{}, fmt.Errorf("message exceeds %d characters: %w", MaxMessageRunes, ErrValidation)
	}

	// Ban status is checked against the live user record, not a cached copy,
	// so a moderation action applies to the very next message.
	sender, found := c.store.GetUser(conn.UserID)
	if found && sender.ChatBanned {
		c.transport.Deliver(connID, marshalEvent(chatBannedEvent{
			Event:     "chat-banned",
			Reason:    sender.ChatBanReason,
			Timestamp: time.Now().UTC(),
		}))
		return models.ChatMessage{}, fmt.Errorf("user %s is banned from chat: %w", conn.UserID, ErrAuthorization)
	}

	message := models.ChatMessage{
		ID:        c.nextMessageID(),
		StreamID:  streamID,
		UserID:    conn.UserID,
		Username:  conn.Username,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	c.publishHook(ctx, message)
	c.broadcast(message, sender.AvatarURL)
	c.notifyMention(message)
	metrics.Default().ObserveChatEvent("message")
	return message, nil
}

func (c *Chat) publishHook(ctx context.Context, message models.ChatMessage) {
	if c.queue == nil {
		return
	}
	event := Event{Type: EventTypeMessage, Message: &message, OccurredAt: time.Now().UTC()}
	if err := c.queue.Publish(ctx, event); err != nil {
		c.logger.Warn("chat persistence hook failed", "message_id", message.ID, "error", err)
	}
}

func (c *Chat) broadcast(message models.ChatMessage, avatar string) {
	payload := marshalEvent(newMessageEvent{
		Event:     "new-message",
		ID:        message.ID,
		StreamID:  message.StreamID,
		UserID:    message.UserID,
		Username:  message.Username,
		Message:   message.Content,
		Timestamp: message.CreatedAt,
		Avatar:    avatar,
	})
	for _, connID := range c.rooms.Connections(message.StreamID) {
		c.transport.Deliver(connID, payload)
	}
}

// notifyMention enqueues a chat_mention for the room's streamer when the
// message contains the @username marker. Matching is a plain substring
// check; anything smarter belongs to a moderation collaborator.
func (c *Chat) notifyMention(message models.ChatMessage) {
	stream, ok := c.store.GetStream(message.StreamID)
	if !ok || stream.StreamerID == "" || stream.StreamerID == message.UserID {
		return
	}
	streamer, ok := c.store.GetUser(stream.StreamerID)
	if !ok {
		return
	}
	marker := "@" + streamer.DisplayName()
	if !strings.Contains(message.Content, marker) {
		return
	}
	c.notifier.Send(stream.StreamerID, models.Notification{
		Type:    models.NotificationChatMention,
		Title:   "You were mentioned",
		Message: fmt.Sprintf("%s mentioned you in chat", message.Username),
		Data: map[string]any{
			"streamId":  message.StreamID,
			"messageId": message.ID,
			"userId":    message.UserID,
			"username":  message.Username,
		},
		CreatedAt: time.Now().UTC(),
	})
}

// Typing broadcasts a typing hint to the other members of the room. Hints
// are fire-and-forget: no validation, no persistence, sender excluded.
func (c *Chat) Typing(streamID, connID string, active bool) {
	conn, ok := c.registry.Get(connID)
	if !ok || !conn.Authenticated() {
		return
	}
	name := "user-typing"
	if !active {
		name = "user-stopped-typing"
	}
	payload := marshalEvent(typingEvent{
		Event:    name,
		Username: conn.Username,
		UserID:   conn.UserID,
	})
	for _, memberID := range c.rooms.Connections(streamID) {
		if memberID == connID {
			continue
		}
		c.transport.Deliver(memberID, payload)
	}
}
