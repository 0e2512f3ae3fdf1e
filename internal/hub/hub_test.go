package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamhub/internal/models"
)

// wsClient drives one live connection against a hub over a real WebSocket.
type wsClient struct {
	tb   testing.TB
	conn *Conn
}

func dialHub(tb testing.TB, server *httptest.Server) *wsClient {
	tb.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, url, nil, nil)
	if err != nil {
		tb.Fatalf("dial %s: %v", url, err)
	}
	client := &wsClient{tb: tb, conn: conn}
	tb.Cleanup(func() { conn.Close() })
	return client
}

func (c *wsClient) send(event map[string]any) {
	c.tb.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		c.tb.Fatal(err)
	}
	if err := c.conn.WriteText(payload); err != nil {
		c.tb.Fatalf("write %s: %v", payload, err)
	}
}

// expect reads frames until one with the given event name arrives, skipping
// unrelated broadcasts, and returns its decoded payload.
func (c *wsClient) expect(name string) map[string]any {
	c.tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			c.tb.Fatalf("waiting for %s: %v", name, err)
		}
		var event map[string]any
		if err := json.Unmarshal(payload, &event); err != nil {
			c.tb.Fatalf("decode %s: %v", payload, err)
		}
		if event["event"] == name {
			return event
		}
	}
}

func (c *wsClient) authenticate(userID, username string) {
	c.tb.Helper()
	c.send(map[string]any{"event": "authenticate", "userId": userID, "username": username})
	reply := c.expect("authenticated")
	if reply["success"] != true {
		c.tb.Fatalf("authentication failed: %v", reply)
	}
}

func newHubServer(tb testing.TB, store Store) (*Hub, *httptest.Server) {
	tb.Helper()
	h := New(Config{Store: store})
	server := httptest.NewServer(http.HandlerFunc(h.HandleConnection))
	tb.Cleanup(server.Close)
	return h, server
}

func TestHubConnectionLifecycle(t *testing.T) {
	store := newFakeStore()
	store.addUser(models.User{ID: "user-1", Username: "alice"})
	store.addUser(models.User{ID: "user-2", Username: "bob"})
	h, server := newHubServer(t, store)

	alice := dialHub(t, server)
	bob := dialHub(t, server)
	alice.authenticate("user-1", "alice")
	bob.authenticate("user-2", "bob")

	alice.send(map[string]any{"event": "join-stream", "streamId": "stream-1"})
	joined := alice.expect("stream-joined")
	if joined["viewerCount"] != float64(1) || joined["streamId"] != "stream-1" {
		t.Fatalf("unexpected join reply %v", joined)
	}

	bob.send(map[string]any{"event": "join-stream", "streamId": "stream-1"})
	joined = bob.expect("stream-joined")
	if joined["viewerCount"] != float64(2) {
		t.Fatalf("unexpected join reply %v", joined)
	}
	arrival := alice.expect("viewer-joined")
	if arrival["username"] != "bob" || arrival["viewerCount"] != float64(2) {
		t.Fatalf("unexpected viewer-joined %v", arrival)
	}

	bob.send(map[string]any{"event": "chat-message", "streamId": "stream-1", "message": "hello"})
	for _, viewer := range []*wsClient{alice, bob} {
		message := viewer.expect("new-message")
		if message["message"] != "hello" || message["username"] != "bob" {
			t.Fatalf("unexpected chat payload %v", message)
		}
		if message["id"] == "" {
			t.Fatal("message id missing")
		}
	}

	bob.send(map[string]any{"event": "leave-stream", "streamId": "stream-1"})
	departure := alice.expect("viewer-left")
	if departure["username"] != "bob" || departure["viewerCount"] != float64(1) {
		t.Fatalf("unexpected viewer-left %v", departure)
	}

	waitFor(t, "registry to see both users", func() bool {
		return h.Registry().IsOnline("user-1") && h.Registry().IsOnline("user-2")
	})
}

func TestHubDisconnectCascades(t *testing.T) {
	store := newFakeStore()
	store.addUser(models.User{ID: "user-1", Username: "alice"})
	store.addUser(models.User{ID: "user-2", Username: "bob"})
	h, server := newHubServer(t, store)

	alice := dialHub(t, server)
	bob := dialHub(t, server)
	alice.authenticate("user-1", "alice")
	bob.authenticate("user-2", "bob")
	alice.send(map[string]any{"event": "join-stream", "streamId": "stream-1"})
	alice.expect("stream-joined")
	bob.send(map[string]any{"event": "join-stream", "streamId": "stream-1"})
	bob.expect("stream-joined")
	alice.expect("viewer-joined")

	// An abrupt close, not a leave-stream: the server must evict bob from
	// the room and tell the remaining viewers.
	bob.conn.Close()

	departure := alice.expect("viewer-left")
	if departure["username"] != "bob" || departure["viewerCount"] != float64(1) {
		t.Fatalf("unexpected viewer-left %v", departure)
	}
	waitFor(t, "room membership to shrink", func() bool {
		return h.Rooms().Count("stream-1") == 1
	})
}

func TestHubRejectsChatBeforeJoin(t *testing.T) {
	store := newFakeStore()
	store.addUser(models.User{ID: "user-1", Username: "alice"})
	_, server := newHubServer(t, store)

	alice := dialHub(t, server)
	alice.authenticate("user-1", "alice")
	alice.send(map[string]any{"event": "chat-message", "streamId": "stream-1", "message": "early"})

	reply := alice.expect("error")
	if reply["message"] != "join the stream first" {
		t.Fatalf("unexpected error %v", reply)
	}
}

func TestHubUnknownEvent(t *testing.T) {
	store := newFakeStore()
	_, server := newHubServer(t, store)

	client := dialHub(t, server)
	client.send(map[string]any{"event": "self-destruct"})
	reply := client.expect("error")
	if reply["message"] != "unknown event" {
		t.Fatalf("unexpected error %v", reply)
	}
}

func TestHubJoinRequiresAuthentication(t *testing.T) {
	store := newFakeStore()
	_, server := newHubServer(t, store)

	client := dialHub(t, server)
	client.send(map[string]any{"event": "join-stream", "streamId": "stream-1"})
	reply := client.expect("error")
	if message, _ := reply["message"].(string); !strings.Contains(message, "authenticate") {
		t.Fatalf("unexpected error %v", reply)
	}
}

func TestHubFlushesQueuedNotificationsOnAuthenticate(t *testing.T) {
	store := newFakeStore()
	store.addUser(models.User{ID: "user-1", Username: "alice"})
	h, server := newHubServer(t, store)

	h.Notify("user-1", models.Notification{
		Type:    models.NotificationNewFollower,
		Message: "bob followed you",
	})

	alice := dialHub(t, server)
	// The flush lands on the send buffer before the authenticated reply, so
	// the notification frame arrives first.
	alice.send(map[string]any{"event": "authenticate", "userId": "user-1", "username": "alice"})
	queued := alice.expect("notification")
	if queued["message"] != "bob followed you" {
		t.Fatalf("unexpected notification %v", queued)
	}
	alice.expect("authenticated")
}

func TestHubBroadcastSystem(t *testing.T) {
	store := newFakeStore()
	store.addUser(models.User{ID: "user-1", Username: "alice"})
	h, server := newHubServer(t, store)

	alice := dialHub(t, server)
	alice.authenticate("user-1", "alice")
	waitFor(t, "authenticated connection registered", func() bool {
		return len(h.Registry().AuthenticatedConnections()) == 1
	})

	h.BroadcastSystem("scheduled maintenance", "info")
	announcement := alice.expect("system-announcement")
	if announcement["message"] != "scheduled maintenance" {
		t.Fatalf("unexpected announcement %v", announcement)
	}
}
