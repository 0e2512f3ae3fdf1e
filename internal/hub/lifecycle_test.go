package hub

import (
	"context"
	"errors"
	"testing"

	"streamhub/internal/models"
)

type lifecycleFixture struct {
	registry  *Registry
	rooms     *Rooms
	store     *fakeStore
	transport *captureTransport
	notifier  *Dispatcher
	viewers   *Viewers
	queue     *captureQueue
	lifecycle *Lifecycle
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	registry := NewRegistry()
	rooms := NewRooms(registry)
	store := newFakeStore()
	transport := newCaptureTransport()
	notifier := NewDispatcher(DispatcherConfig{Registry: registry, Transport: transport})
	viewers := NewViewers(ViewersConfig{Rooms: rooms, Store: store, Transport: transport})
	queue := &captureQueue{}
	lifecycle := NewLifecycle(LifecycleConfig{
		Store:     store,
		Registry:  registry,
		Rooms:     rooms,
		Notifier:  notifier,
		Viewers:   viewers,
		Transport: transport,
		Queue:     queue,
		URLs: StreamURLs{
			IngestTemplate:   "rtmp://media.test/live/%s",
			PlaybackTemplate: "https://media.test/hls/%s.m3u8",
		},
	})
	return &lifecycleFixture{
		registry:  registry,
		rooms:     rooms,
		store:     store,
		transport: transport,
		notifier:  notifier,
		viewers:   viewers,
		queue:     queue,
		lifecycle: lifecycle,
	}
}

func (fx *lifecycleFixture) addStreamer(userID, username, key string) {
	fx.store.addUser(models.User{ID: userID, Username: username, IsStreamer: true})
	fx.store.mu.Lock()
	fx.store.keys[key] = userID
	fx.store.mu.Unlock()
}

func TestLifecycleIngestStart(t *testing.T) {
	fx := newLifecycleFixture(t)
	fx.addStreamer("streamer-1", "alice", "key-1")
	fx.store.followers["streamer-1"] = []string{"fan-1"}
	watcher := openAuthenticated(t, fx.registry, "user-2", "bob")

	if err := fx.lifecycle.HandleIngestStart(context.Background(), "key-1", "sess-1"); err != nil {
		t.Fatalf("ingest start: %v", err)
	}

	stream, ok := fx.store.GetStream("strm-1")
	if !ok {
		t.Fatal("stream was not persisted")
	}
	if stream.State != models.StreamStateLive || stream.StartedAt == nil {
		t.Fatalf("stream not live: %+v", stream)
	}
	if stream.CurrentSessionID == nil || *stream.CurrentSessionID != "sess-1" {
		t.Fatalf("session id not recorded: %+v", stream.CurrentSessionID)
	}
	if stream.IngestURL != "rtmp://media.test/live/strm-1" {
		t.Fatalf("unexpected ingest url %q", stream.IngestURL)
	}
	if stream.PlaybackURL != "https://media.test/hls/strm-1.m3u8" {
		t.Fatalf("unexpected playback url %q", stream.PlaybackURL)
	}

	if sessionID, live := fx.lifecycle.ActiveSessionID("key-1"); !live || sessionID != "sess-1" {
		t.Fatalf("active session is (%q, %v)", sessionID, live)
	}
	if got := fx.notifier.QueuedCount("fan-1"); got != 1 {
		t.Fatalf("follower has %d queued notifications, want 1", got)
	}

	names := fx.transport.eventNames(t, watcher)
	if len(names) != 1 || names[0] != "new-live-stream" {
		t.Fatalf("watcher got %v, want [new-live-stream]", names)
	}

	published := fx.queue.published()
	if len(published) != 1 || published[0].Type != EventTypeLifecycle {
		t.Fatalf("queue got %+v", published)
	}
	if published[0].Lifecycle.State != models.StreamStateLive || published[0].Lifecycle.StreamID != "strm-1" {
		t.Fatalf("unexpected lifecycle payload %+v", published[0].Lifecycle)
	}
}

func TestLifecycleIngestStartUnknownKey(t *testing.T) {
	fx := newLifecycleFixture(t)
	err := fx.lifecycle.HandleIngestStart(context.Background(), "key-missing", "sess-1")
	if !errors.Is(err, ErrUnknownStreamKey) {
		t.Fatalf("expected ErrUnknownStreamKey, got %v", err)
	}
	if len(fx.queue.published()) != 0 {
		t.Fatal("dropped signal still published an event")
	}
}

func TestLifecycleDuplicateStartIsNoOp(t *testing.T) {
	fx := newLifecycleFixture(t)
	fx.addStreamer("streamer-1", "alice", "key-1")

	if err := fx.lifecycle.HandleIngestStart(context.Background(), "key-1", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := fx.lifecycle.HandleIngestStart(context.Background(), "key-1", "sess-2"); err != nil {
		t.Fatalf("duplicate start returned %v", err)
	}

	// The original session stays bound and only one lifecycle event fired.
	if sessionID, _ := fx.lifecycle.ActiveSessionID("key-1"); sessionID != "sess-1" {
		t.Fatalf("active session is %q, want sess-1", sessionID)
	}
	if got := len(fx.queue.published()); got != 1 {
		t.Fatalf("queue got %d events, want 1", got)
	}
}

func TestLifecycleIngestStop(t *testing.T) {
	fx := newLifecycleFixture(t)
	fx.addStreamer("streamer-1", "alice", "key-1")
	if err := fx.lifecycle.HandleIngestStart(context.Background(), "key-1", "sess-1"); err != nil {
		t.Fatal(err)
	}

	viewer := openAuthenticated(t, fx.registry, "user-2", "bob")
	if _, _, err := fx.rooms.Join("strm-1", viewer); err != nil {
		t.Fatal(err)
	}

	if err := fx.lifecycle.HandleIngestStop(context.Background(), "key-1"); err != nil {
		t.Fatalf("ingest stop: %v", err)
	}

	stream, _ := fx.store.GetStream("strm-1")
	if stream.State != models.StreamStateEnded || stream.EndedAt == nil {
		t.Fatalf("stream not ended: %+v", stream)
	}
	if stream.CurrentSessionID != nil {
		t.Fatal("session id should be cleared on stop")
	}
	if _, live := fx.lifecycle.ActiveSessionID("key-1"); live {
		t.Fatal("session still active after stop")
	}
	if err := fx.viewers.EnsureJoinable("strm-1"); !errors.Is(err, ErrStreamNotLive) {
		t.Fatal("ended stream still joinable")
	}

	names := fx.transport.eventNames(t, viewer)
	if len(names) != 1 || names[0] != "stream-ended" {
		t.Fatalf("viewer got %v, want [stream-ended]", names)
	}

	published := fx.queue.published()
	if len(published) != 2 || published[1].Lifecycle.State != models.StreamStateEnded {
		t.Fatalf("queue got %+v", published)
	}
}

func TestLifecycleStopWithoutSessionIsNoOp(t *testing.T) {
	fx := newLifecycleFixture(t)
	if err := fx.lifecycle.HandleIngestStop(context.Background(), "key-1"); err != nil {
		t.Fatalf("stop without session returned %v", err)
	}
	if len(fx.queue.published()) != 0 {
		t.Fatal("phantom stop published an event")
	}
}

func TestLifecycleRestartAfterStop(t *testing.T) {
	fx := newLifecycleFixture(t)
	fx.addStreamer("streamer-1", "alice", "key-1")

	if err := fx.lifecycle.HandleIngestStart(context.Background(), "key-1", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := fx.lifecycle.HandleIngestStop(context.Background(), "key-1"); err != nil {
		t.Fatal(err)
	}
	if err := fx.lifecycle.HandleIngestStart(context.Background(), "key-1", "sess-2"); err != nil {
		t.Fatalf("restart: %v", err)
	}

	// Ended is terminal; the restart binds a fresh stream entity.
	if sessionID, live := fx.lifecycle.ActiveSessionID("key-1"); !live || sessionID != "sess-2" {
		t.Fatalf("active session is (%q, %v)", sessionID, live)
	}
	stream, ok := fx.store.GetStream("strm-2")
	if !ok || stream.State != models.StreamStateLive {
		t.Fatalf("restart did not create a live stream: %+v ok=%v", stream, ok)
	}
	ended, _ := fx.store.GetStream("strm-1")
	if ended.State != models.StreamStateEnded {
		t.Fatalf("first stream mutated on restart: %+v", ended)
	}
}
