package hub

import (
	"fmt"
	"testing"

	"streamhub/internal/models"
)

func TestDispatcherDeliversToAllConnections(t *testing.T) {
	registry := NewRegistry()
	transport := newCaptureTransport()
	dispatcher := NewDispatcher(DispatcherConfig{Registry: registry, Transport: transport})
	phone := openAuthenticated(t, registry, "user-1", "alice")
	laptop := openAuthenticated(t, registry, "user-1", "alice")

	dispatcher.Send("user-1", models.Notification{
		Type:    models.NotificationStreamStarted,
		Title:   "alice",
		Message: "alice went live",
	})

	for _, connID := range []string{phone, laptop} {
		if got := transport.count(connID); got != 1 {
			t.Fatalf("connection %s received %d frames, want 1", connID, got)
		}
	}
	if got := dispatcher.QueuedCount("user-1"); got != 0 {
		t.Fatalf("online delivery queued %d notifications", got)
	}
	events := transport.decoded(t, phone)
	if events[0]["event"] != "notification" {
		t.Fatalf("unexpected event name %v", events[0]["event"])
	}
}

func TestDispatcherQueuesForOfflineUser(t *testing.T) {
	registry := NewRegistry()
	transport := newCaptureTransport()
	dispatcher := NewDispatcher(DispatcherConfig{Registry: registry, Transport: transport})

	dispatcher.Send("user-1", models.Notification{Type: models.NotificationNewFollower, Message: "bob followed you"})
	dispatcher.Send("user-1", models.Notification{Type: models.NotificationChatMention, Message: "bob mentioned you"})

	if got := dispatcher.QueuedCount("user-1"); got != 2 {
		t.Fatalf("queued %d notifications, want 2", got)
	}
}

func TestDispatcherFlushDeliversInOrderExactlyOnce(t *testing.T) {
	registry := NewRegistry()
	transport := newCaptureTransport()
	dispatcher := NewDispatcher(DispatcherConfig{Registry: registry, Transport: transport})

	for i := 0; i < 3; i++ {
		dispatcher.Send("user-1", models.Notification{
			Type:    models.NotificationNewFollower,
			Message: fmt.Sprintf("follower %d", i),
		})
	}

	connID := openAuthenticated(t, registry, "user-1", "alice")
	if got := dispatcher.FlushQueued("user-1"); got != 3 {
		t.Fatalf("flush returned %d, want 3", got)
	}

	events := transport.decoded(t, connID)
	if len(events) != 3 {
		t.Fatalf("connection received %d frames, want 3", len(events))
	}
	for i, event := range events {
		if event["message"] != fmt.Sprintf("follower %d", i) {
			t.Fatalf("frame %d out of order: %v", i, event["message"])
		}
	}

	if got := dispatcher.FlushQueued("user-1"); got != 0 {
		t.Fatalf("second flush returned %d, want 0", got)
	}
	if got := transport.count(connID); got != 3 {
		t.Fatalf("second flush redelivered: %d frames", got)
	}
}

func TestDispatcherFlushWithoutConnectionsKeepsQueue(t *testing.T) {
	registry := NewRegistry()
	dispatcher := NewDispatcher(DispatcherConfig{Registry: registry, Transport: newCaptureTransport()})

	dispatcher.Send("user-1", models.Notification{Type: models.NotificationChatMention, Message: "hi"})
	if got := dispatcher.FlushQueued("user-1"); got != 0 {
		t.Fatalf("flush without connections returned %d", got)
	}
	if got := dispatcher.QueuedCount("user-1"); got != 1 {
		t.Fatalf("queue was dropped: %d entries remain, want 1", got)
	}
}

func TestDispatcherOverflowDropsEldest(t *testing.T) {
	registry := NewRegistry()
	transport := newCaptureTransport()
	dispatcher := NewDispatcher(DispatcherConfig{Registry: registry, Transport: transport, Capacity: 3})

	for i := 0; i < 5; i++ {
		dispatcher.Send("user-1", models.Notification{
			Type:    models.NotificationNewFollower,
			Message: fmt.Sprintf("n-%d", i),
		})
	}
	if got := dispatcher.QueuedCount("user-1"); got != 3 {
		t.Fatalf("queue holds %d entries, want capacity 3", got)
	}

	connID := openAuthenticated(t, registry, "user-1", "alice")
	dispatcher.FlushQueued("user-1")
	events := transport.decoded(t, connID)
	want := []string{"n-2", "n-3", "n-4"}
	for i, event := range events {
		if event["message"] != want[i] {
			t.Fatalf("frame %d is %v, want %s", i, event["message"], want[i])
		}
	}
}

func TestBroadcastSystemSkipsUnauthenticatedAndOffline(t *testing.T) {
	registry := NewRegistry()
	transport := newCaptureTransport()
	dispatcher := NewDispatcher(DispatcherConfig{Registry: registry, Transport: transport})
	authed := openAuthenticated(t, registry, "user-1", "alice")
	anonymous := registry.Open()

	dispatcher.BroadcastSystem("maintenance at midnight", "warning")

	if got := transport.count(authed); got != 1 {
		t.Fatalf("authenticated connection received %d frames, want 1", got)
	}
	if got := transport.count(anonymous.ID); got != 0 {
		t.Fatalf("unauthenticated connection received %d frames", got)
	}
	if got := dispatcher.QueuedCount("user-offline"); got != 0 {
		t.Fatal("announcements must not queue for offline users")
	}

	events := transport.decoded(t, authed)
	if events[0]["event"] != "system-announcement" {
		t.Fatalf("unexpected event name %v", events[0]["event"])
	}
	data := events[0]["data"].(map[string]any)
	if data["severity"] != "warning" {
		t.Fatalf("unexpected severity %v", data["severity"])
	}
}
