package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"streamhub/internal/models"
)

// fakeStore is an in-memory Store with scriptable failures for the
// write-through paths.
type fakeStore struct {
	mu        sync.Mutex
	users     map[string]models.User
	streams   map[string]models.Stream
	followers map[string][]string
	keys      map[string]string

	saveErr        error
	presenceWrites []presenceWrite
}

type presenceWrite struct {
	userID string
	online bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]models.User),
		streams:   make(map[string]models.Stream),
		followers: make(map[string][]string),
		keys:      make(map[string]string),
	}
}

func (s *fakeStore) addUser(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

func (s *fakeStore) addStream(stream models.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream.ID] = stream
}

func (s *fakeStore) GetUser(id string) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	return user, ok
}

func (s *fakeStore) ListFollowers(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.followers[userID]...)
}

func (s *fakeStore) UpdatePresence(userID string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenceWrites = append(s.presenceWrites, presenceWrite{userID: userID, online: online})
	if user, ok := s.users[userID]; ok {
		user.IsOnline = online
		user.LastSeen = lastSeen
		s.users[userID] = user
	}
	return nil
}

func (s *fakeStore) FindUserByStreamKey(key string) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.keys[key]
	if !ok {
		return models.User{}, false
	}
	user, ok := s.users[userID]
	return user, ok
}

func (s *fakeStore) FindOrCreateLiveStream(streamerID string) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stream := range s.streams {
		if stream.StreamerID == streamerID && stream.State == models.StreamStateNotLive {
			return stream, nil
		}
	}
	stream := models.Stream{
		ID:         fmt.Sprintf("strm-%d", len(s.streams)+1),
		StreamerID: streamerID,
		State:      models.StreamStateNotLive,
		CreatedAt:  time.Now().UTC(),
	}
	s.streams[stream.ID] = stream
	return stream, nil
}

func (s *fakeStore) GetStream(id string) (models.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[id]
	return stream, ok
}

func (s *fakeStore) SaveStream(stream models.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.streams[stream.ID] = stream
	return nil
}

func (s *fakeStore) lastPresenceWrite() (presenceWrite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.presenceWrites) == 0 {
		return presenceWrite{}, false
	}
	return s.presenceWrites[len(s.presenceWrites)-1], true
}

// captureTransport records delivered payloads per connection.
type captureTransport struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{frames: make(map[string][][]byte)}
}

func (t *captureTransport) Deliver(connID string, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames[connID] = append(t.frames[connID], append([]byte(nil), payload...))
}

func (t *captureTransport) count(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames[connID])
}

// decoded returns every frame delivered to the connection as a generic map.
func (t *captureTransport) decoded(tb testing.TB, connID string) []map[string]any {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]map[string]any, 0, len(t.frames[connID]))
	for _, frame := range t.frames[connID] {
		var event map[string]any
		if err := json.Unmarshal(frame, &event); err != nil {
			tb.Fatalf("decode frame %s: %v", frame, err)
		}
		out = append(out, event)
	}
	return out
}

func (t *captureTransport) eventNames(tb testing.TB, connID string) []string {
	tb.Helper()
	events := t.decoded(tb, connID)
	names := make([]string, 0, len(events))
	for _, event := range events {
		name, _ := event["event"].(string)
		names = append(names, name)
	}
	return names
}

// manualScheduler lets tests fire or inspect pending debounce callbacks
// deterministically.
type manualScheduler struct {
	mu      sync.Mutex
	pending map[string]func()
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{pending: make(map[string]func())}
}

func (s *manualScheduler) Schedule(key string, _ time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = fn
}

func (s *manualScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

func (s *manualScheduler) fire(key string) bool {
	s.mu.Lock()
	fn, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

func (s *manualScheduler) scheduled(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// openAuthenticated opens a connection in the registry and binds it to the
// user, failing the test on error.
func openAuthenticated(tb testing.TB, registry *Registry, userID, username string) string {
	tb.Helper()
	conn := registry.Open()
	if err := registry.Authenticate(conn.ID, userID, username); err != nil {
		tb.Fatalf("authenticate %s: %v", userID, err)
	}
	return conn.ID
}

// waitFor polls until the condition holds, failing the test after a second.
func waitFor(tb testing.TB, what string, condition func() bool) {
	tb.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %s", what)
}
