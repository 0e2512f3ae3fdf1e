package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streamhub/internal/hub"
	"streamhub/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return store
}

func mustCreateUser(t *testing.T, store *Storage, params CreateUserParams) models.User {
	t.Helper()
	user, err := store.CreateUser(params)
	if err != nil {
		t.Fatalf("create user %q: %v", params.Username, err)
	}
	return user
}

func TestCreateUserRejectsDuplicateUsername(t *testing.T) {
	store := newTestStorage(t)
	mustCreateUser(t, store, CreateUserParams{Username: "Alice"})

	if _, err := store.CreateUser(CreateUserParams{Username: "alice"}); err == nil {
		t.Fatal("expected a case-insensitive duplicate to be rejected")
	}
	if _, err := store.CreateUser(CreateUserParams{Username: "  "}); err == nil {
		t.Fatal("expected a blank username to be rejected")
	}
}

func TestCreateUserRollsBackOnPersistFailure(t *testing.T) {
	store := newTestStorage(t)
	store.persistOverride = func(dataset) error { return errors.New("disk full") }

	if _, err := store.CreateUser(CreateUserParams{Username: "alice"}); err == nil {
		t.Fatal("expected the persist failure to surface")
	}

	store.persistOverride = nil
	// The failed insert must not have left a phantom user behind.
	if _, err := store.CreateUser(CreateUserParams{Username: "alice"}); err != nil {
		t.Fatalf("retry after rollback failed: %v", err)
	}
}

func TestStorageSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	user := mustCreateUser(t, store, CreateUserParams{Username: "alice", IsStreamer: true})
	stream, err := store.CreateStream(user.ID, "First broadcast")
	if err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.GetUser(user.ID)
	if !ok || got.Username != "alice" || !got.IsStreamer {
		t.Fatalf("user did not survive reload: %+v ok=%v", got, ok)
	}
	if _, ok := reloaded.GetStream(stream.ID); !ok {
		t.Fatal("stream did not survive reload")
	}
}

func TestUpdatePresence(t *testing.T) {
	store := newTestStorage(t)
	user := mustCreateUser(t, store, CreateUserParams{Username: "alice"})

	lastSeen := time.Now().UTC().Truncate(time.Second)
	if err := store.UpdatePresence(user.ID, true, lastSeen); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetUser(user.ID)
	if !got.IsOnline || !got.LastSeen.Equal(lastSeen) {
		t.Fatalf("presence not recorded: %+v", got)
	}

	if err := store.UpdatePresence("usr_missing", true, lastSeen); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetChatBanClearsReasonOnUnban(t *testing.T) {
	store := newTestStorage(t)
	user := mustCreateUser(t, store, CreateUserParams{Username: "alice"})

	banned, err := store.SetChatBan(user.ID, true, "  spam  ")
	if err != nil {
		t.Fatal(err)
	}
	if !banned.ChatBanned || banned.ChatBanReason != "spam" {
		t.Fatalf("ban not recorded: %+v", banned)
	}

	unbanned, err := store.SetChatBan(user.ID, false, "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if unbanned.ChatBanned || unbanned.ChatBanReason != "" {
		t.Fatalf("unban left residue: %+v", unbanned)
	}
}

func TestFollowersAreSortedAndDeduplicated(t *testing.T) {
	store := newTestStorage(t)
	streamer := mustCreateUser(t, store, CreateUserParams{Username: "alice", IsStreamer: true})
	fanB := mustCreateUser(t, store, CreateUserParams{Username: "bob"})
	fanC := mustCreateUser(t, store, CreateUserParams{Username: "carol"})

	for _, fan := range []string{fanC.ID, fanB.ID, fanB.ID} {
		if err := store.Follow(fan, streamer.ID); err != nil {
			t.Fatal(err)
		}
	}
	followers := store.ListFollowers(streamer.ID)
	if len(followers) != 2 {
		t.Fatalf("got %d followers, want 2", len(followers))
	}
	if followers[0] > followers[1] {
		t.Fatalf("followers not sorted: %v", followers)
	}

	if err := store.Unfollow(fanB.ID, streamer.ID); err != nil {
		t.Fatal(err)
	}
	if got := store.ListFollowers(streamer.ID); len(got) != 1 || got[0] != fanC.ID {
		t.Fatalf("unexpected followers after unfollow: %v", got)
	}

	if err := store.Follow("usr_missing", streamer.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStreamKeyRoundtrip(t *testing.T) {
	store := newTestStorage(t)
	user := mustCreateUser(t, store, CreateUserParams{Username: "alice", IsStreamer: true})

	key, err := store.IssueStreamKey(user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if key == "" {
		t.Fatal("issued an empty stream key")
	}

	found, ok := store.FindUserByStreamKey(key)
	if !ok || found.ID != user.ID {
		t.Fatalf("lookup returned %+v ok=%v", found, ok)
	}
	if _, ok := store.FindUserByStreamKey("WRONG"); ok {
		t.Fatal("bogus key resolved to a user")
	}
	if _, ok := store.FindUserByStreamKey("  "); ok {
		t.Fatal("blank key resolved to a user")
	}

	// Re-issuing rotates the key: the old plaintext stops working.
	rotated, err := store.IssueStreamKey(user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rotated == key {
		t.Fatal("re-issue returned the same key")
	}
	if _, ok := store.FindUserByStreamKey(key); ok {
		t.Fatal("old key still resolves after rotation")
	}
	if found, ok := store.FindUserByStreamKey(rotated); !ok || found.ID != user.ID {
		t.Fatal("rotated key does not resolve")
	}
}

func TestFindOrCreateLiveStreamReusesNotLiveEntity(t *testing.T) {
	store := newTestStorage(t)
	user := mustCreateUser(t, store, CreateUserParams{Username: "alice", IsStreamer: true})

	first, err := store.FindOrCreateLiveStream(user.ID)
	if err != nil {
		t.Fatal(err)
	}
	again, err := store.FindOrCreateLiveStream(user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected reuse of %s, got %s", first.ID, again.ID)
	}

	first.State = models.StreamStateEnded
	if err := store.SaveStream(first); err != nil {
		t.Fatal(err)
	}
	fresh, err := store.FindOrCreateLiveStream(user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == first.ID {
		t.Fatal("ended stream entity was reused")
	}
}

func TestListChatMessagesOrderAndLimit(t *testing.T) {
	store := newTestStorage(t)
	user := mustCreateUser(t, store, CreateUserParams{Username: "alice"})

	// ULID-shaped ids sort lexicographically in creation order.
	ids := []string{"01AAA", "01AAB", "01AAC", "01AAD"}
	for _, id := range ids {
		message := models.ChatMessage{
			ID:        id,
			StreamID:  "stream-1",
			UserID:    user.ID,
			Username:  "alice",
			Content:   "message " + id,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.SaveChatMessage(message); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SaveChatMessage(models.ChatMessage{ID: "01AAE", StreamID: "stream-2", UserID: user.ID}); err != nil {
		t.Fatal(err)
	}

	messages, err := store.ListChatMessages("stream-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(messages))
	}
	for i, message := range messages {
		if message.ID != ids[i] {
			t.Fatalf("message %d is %s, want %s", i, message.ID, ids[i])
		}
	}

	// A limit keeps the most recent tail, still in ascending order.
	tail, err := store.ListChatMessages("stream-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].ID != "01AAC" || tail[1].ID != "01AAD" {
		t.Fatalf("unexpected tail %v", tail)
	}

	if err := store.SaveChatMessage(models.ChatMessage{ID: "x"}); err == nil {
		t.Fatal("expected invalid message to be rejected")
	}
}

func TestApplyEvent(t *testing.T) {
	store := newTestStorage(t)
	user := mustCreateUser(t, store, CreateUserParams{Username: "alice"})

	message := models.ChatMessage{
		ID:       "01AAA",
		StreamID: "stream-1",
		UserID:   user.ID,
		Content:  "persisted",
	}
	if err := store.ApplyEvent(hub.Event{Type: hub.EventTypeMessage, Message: &message}); err != nil {
		t.Fatal(err)
	}
	messages, err := store.ListChatMessages("stream-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 || messages[0].Content != "persisted" {
		t.Fatalf("unexpected messages %v", messages)
	}

	if err := store.ApplyEvent(hub.Event{Type: hub.EventTypeLifecycle}); err != nil {
		t.Fatalf("lifecycle events are a no-op, got %v", err)
	}
	if err := store.ApplyEvent(hub.Event{Type: hub.EventTypeMessage}); err == nil {
		t.Fatal("expected an error for a message event without a payload")
	}
	if err := store.ApplyEvent(hub.Event{Type: "bogus"}); err == nil {
		t.Fatal("expected an error for an unknown event type")
	}
}

func TestChatWorkerPersistsQueueEvents(t *testing.T) {
	store := newTestStorage(t)
	user := mustCreateUser(t, store, CreateUserParams{Username: "alice"})
	queue := hub.NewMemoryQueue(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewChatWorker(store, queue, nil)
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	// The worker subscribes asynchronously; retry until its subscription is
	// live and the message lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		message := models.ChatMessage{ID: "01AAA", StreamID: "stream-1", UserID: user.ID, Content: "hello"}
		if err := queue.Publish(ctx, hub.Event{Type: hub.EventTypeMessage, Message: &message}); err != nil {
			t.Fatal(err)
		}
		messages, err := store.ListChatMessages("stream-1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(messages) > 0 {
			if messages[0].Content != "hello" {
				t.Fatalf("unexpected message %+v", messages[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never persisted the message")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestUpdateUser(t *testing.T) {
	store := newTestStorage(t)
	user := mustCreateUser(t, store, CreateUserParams{Username: "alice"})

	name := "alice-streams"
	streamer := true
	updated, err := store.UpdateUser(user.ID, UserUpdate{Username: &name, IsStreamer: &streamer})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Username != "alice-streams" || !updated.IsStreamer {
		t.Fatalf("update not applied: %+v", updated)
	}

	empty := "   "
	if _, err := store.UpdateUser(user.ID, UserUpdate{Username: &empty}); err == nil {
		t.Fatal("expected a blank username to be rejected")
	}
	if _, err := store.UpdateUser("usr_missing", UserUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListStreamsFiltersByStreamer(t *testing.T) {
	store := newTestStorage(t)
	alice := mustCreateUser(t, store, CreateUserParams{Username: "alice", IsStreamer: true})
	bob := mustCreateUser(t, store, CreateUserParams{Username: "bob", IsStreamer: true})
	if _, err := store.CreateStream(alice.ID, "morning show"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateStream(bob.ID, "night show"); err != nil {
		t.Fatal(err)
	}

	all := store.ListStreams("")
	if len(all) != 2 {
		t.Fatalf("got %d streams, want 2", len(all))
	}
	mine := store.ListStreams(alice.ID)
	if len(mine) != 1 || !strings.Contains(mine[0].Title, "morning") {
		t.Fatalf("unexpected filtered streams %v", mine)
	}
}
