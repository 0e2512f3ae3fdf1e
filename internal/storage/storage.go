package storage

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"crypto/sha256"

	"streamhub/internal/models"
)

const (
	streamKeySaltLength  = 16
	streamKeyHashLength  = 32
	streamKeyIterations  = 120000
	maxChatMessagesLimit = 500
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

type dataset struct {
	Users        map[string]models.User        `json:"users"`
	Streams      map[string]models.Stream      `json:"streams"`
	ChatMessages map[string]models.ChatMessage `json:"chatMessages"`
	// Follows maps streamer id to follower ids with the follow timestamp.
	Follows map[string]map[string]time.Time `json:"follows"`
	// StreamKeys maps user id to the salted hash of their stream key. The
	// plaintext key is shown once at issue time and never stored.
	StreamKeys map[string]string `json:"streamKeys"`
}

func newDataset() dataset {
	return dataset{
		Users:        make(map[string]models.User),
		Streams:      make(map[string]models.Stream),
		ChatMessages: make(map[string]models.ChatMessage),
		Follows:      make(map[string]map[string]time.Time),
		StreamKeys:   make(map[string]string),
	}
}

func (d *dataset) ensureInitialized() {
	if d.Users == nil {
		d.Users = make(map[string]models.User)
	}
	if d.Streams == nil {
		d.Streams = make(map[string]models.Stream)
	}
	if d.ChatMessages == nil {
		d.ChatMessages = make(map[string]models.ChatMessage)
	}
	if d.Follows == nil {
		d.Follows = make(map[string]map[string]time.Time)
	}
	if d.StreamKeys == nil {
		d.StreamKeys = make(map[string]string)
	}
}

// Storage is a JSON-file backed Repository. Every mutation rewrites the file
// atomically; reads are served from memory.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage loads or creates the JSON datastore at path.
func NewStorage(path string) (*Storage, error) {
	s := &Storage{filePath: path, data: newDataset()}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run; the file appears on the first write.
	case err != nil:
		return nil, fmt.Errorf("read datastore %s: %w", path, err)
	case len(raw) > 0:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("decode datastore %s: %w", path, err)
		}
		s.data.ensureInitialized()
	}
	return s, nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode datastore: %w", err)
	}
	dir := filepath.Dir(s.filePath)
	tmp, err := os.CreateTemp(dir, ".streamhub-*.json")
	if err != nil {
		return fmt.Errorf("create temp datastore: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write datastore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close datastore: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.filePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace datastore: %w", err)
	}
	return nil
}

// Ping reports whether the datastore file location is writable.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close flushes nothing; the store persists on every mutation.
func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func (s *Storage) CreateUser(params CreateUserParams) (models.User, error) {
	username := strings.TrimSpace(params.Username)
	if username == "" {
		return models.User{}, fmt.Errorf("username is required")
	}
	id, err := generateID("usr")
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:         id,
		Username:   username,
		AvatarURL:  strings.TrimSpace(params.AvatarURL),
		IsStreamer: params.IsStreamer,
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.data.Users {
		if strings.EqualFold(existing.Username, username) {
			return models.User{}, fmt.Errorf("username %q is taken", username)
		}
	}
	s.data.Users[user.ID] = user
	if err := s.persist(); err != nil {
		delete(s.data.Users, user.ID)
		return models.User{}, err
	}
	return user, nil
}

func (s *Storage) GetUser(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	return user, ok
}

func (s *Storage) ListUsers() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, 0, len(s.data.Users))
	for _, user := range s.data.Users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

func (s *Storage) UpdateUser(id string, update UserUpdate) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if update.Username != nil {
		trimmed := strings.TrimSpace(*update.Username)
		if trimmed == "" {
			return models.User{}, fmt.Errorf("username cannot be empty")
		}
		user.Username = trimmed
	}
	if update.AvatarURL != nil {
		user.AvatarURL = strings.TrimSpace(*update.AvatarURL)
	}
	if update.IsStreamer != nil {
		user.IsStreamer = *update.IsStreamer
	}
	s.data.Users[id] = user
	if err := s.persist(); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *Storage) UpdatePresence(userID string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.data.Users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	user.IsOnline = online
	user.LastSeen = lastSeen.UTC()
	s.data.Users[userID] = user
	return s.persist()
}

func (s *Storage) SetChatBan(userID string, banned bool, reason string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.data.Users[userID]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	user.ChatBanned = banned
	user.ChatBanReason = strings.TrimSpace(reason)
	if !banned {
		user.ChatBanReason = ""
	}
	s.data.Users[userID] = user
	if err := s.persist(); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *Storage) Follow(followerID, streamerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Users[followerID]; !ok {
		return fmt.Errorf("follower %s: %w", followerID, ErrNotFound)
	}
	if _, ok := s.data.Users[streamerID]; !ok {
		return fmt.Errorf("streamer %s: %w", streamerID, ErrNotFound)
	}
	followers := s.data.Follows[streamerID]
	if followers == nil {
		followers = make(map[string]time.Time)
		s.data.Follows[streamerID] = followers
	}
	followers[followerID] = time.Now().UTC()
	return s.persist()
}

func (s *Storage) Unfollow(followerID, streamerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if followers := s.data.Follows[streamerID]; followers != nil {
		delete(followers, followerID)
		if len(followers) == 0 {
			delete(s.data.Follows, streamerID)
		}
	}
	return s.persist()
}

func (s *Storage) ListFollowers(streamerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	followers := s.data.Follows[streamerID]
	if len(followers) == 0 {
		return nil
	}
	ids := make([]string, 0, len(followers))
	for id := range followers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IssueStreamKey generates a fresh stream key for the user and stores only
// its salted hash. The plaintext is returned once; re-issuing invalidates
// the previous key.
func (s *Storage) IssueStreamKey(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Users[userID]; !ok {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	key, err := generateStreamKey()
	if err != nil {
		return "", err
	}
	hash, err := hashStreamKey(key)
	if err != nil {
		return "", err
	}
	previous, hadPrevious := s.data.StreamKeys[userID]
	s.data.StreamKeys[userID] = hash
	if err := s.persist(); err != nil {
		if hadPrevious {
			s.data.StreamKeys[userID] = previous
		} else {
			delete(s.data.StreamKeys, userID)
		}
		return "", err
	}
	return key, nil
}

func (s *Storage) FindUserByStreamKey(key string) (models.User, bool) {
	if strings.TrimSpace(key) == "" {
		return models.User{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for userID, stored := range s.data.StreamKeys {
		if verifyStreamKey(stored, key) {
			user, ok := s.data.Users[userID]
			return user, ok
		}
	}
	return models.User{}, false
}

func (s *Storage) CreateStream(streamerID, title string) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Users[streamerID]; !ok {
		return models.Stream{}, fmt.Errorf("streamer %s: %w", streamerID, ErrNotFound)
	}
	id, err := generateID("strm")
	if err != nil {
		return models.Stream{}, err
	}
	now := time.Now().UTC()
	stream := models.Stream{
		ID:         id,
		StreamerID: streamerID,
		Title:      strings.TrimSpace(title),
		State:      models.StreamStateNotLive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.data.Streams[stream.ID] = stream
	if err := s.persist(); err != nil {
		delete(s.data.Streams, stream.ID)
		return models.Stream{}, err
	}
	return stream, nil
}

func (s *Storage) GetStream(id string) (models.Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.data.Streams[id]
	return stream, ok
}

func (s *Storage) ListStreams(streamerID string) []models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	streams := make([]models.Stream, 0)
	for _, stream := range s.data.Streams {
		if streamerID == "" || stream.StreamerID == streamerID {
			streams = append(streams, stream)
		}
	}
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].CreatedAt.Before(streams[j].CreatedAt)
	})
	return streams
}

// FindOrCreateLiveStream returns the streamer's most recent not-live stream
// entity, creating a fresh one when every existing entity has already ended.
func (s *Storage) FindOrCreateLiveStream(streamerID string) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Users[streamerID]; !ok {
		return models.Stream{}, fmt.Errorf("streamer %s: %w", streamerID, ErrNotFound)
	}
	var candidate *models.Stream
	for _, stream := range s.data.Streams {
		if stream.StreamerID != streamerID || stream.State != models.StreamStateNotLive {
			continue
		}
		if candidate == nil || stream.CreatedAt.After(candidate.CreatedAt) {
			copied := stream
			candidate = &copied
		}
	}
	if candidate != nil {
		return *candidate, nil
	}
	id, err := generateID("strm")
	if err != nil {
		return models.Stream{}, err
	}
	now := time.Now().UTC()
	stream := models.Stream{
		ID:         id,
		StreamerID: streamerID,
		State:      models.StreamStateNotLive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.data.Streams[stream.ID] = stream
	if err := s.persist(); err != nil {
		delete(s.data.Streams, stream.ID)
		return models.Stream{}, err
	}
	return stream, nil
}

func (s *Storage) SaveStream(stream models.Stream) error {
	if stream.ID == "" {
		return fmt.Errorf("stream id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stream.UpdatedAt = time.Now().UTC()
	s.data.Streams[stream.ID] = stream
	return s.persist()
}

func (s *Storage) SaveChatMessage(message models.ChatMessage) error {
	if message.ID == "" || message.StreamID == "" || message.UserID == "" {
		return fmt.Errorf("invalid chat message")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ChatMessages[message.ID] = message
	return s.persist()
}

func (s *Storage) ListChatMessages(streamID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > maxChatMessagesLimit {
		limit = maxChatMessagesLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := make([]models.ChatMessage, 0)
	for _, message := range s.data.ChatMessages {
		if message.StreamID == streamID {
			messages = append(messages, message)
		}
	}
	// ULID message ids sort chronologically, which keeps ties stable when
	// CreatedAt collides.
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func hashStreamKey(key string) (string, error) {
	salt, err := randomBytes(streamKeySaltLength)
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, streamKeyIterations, streamKeyHashLength, sha256.New)
	return base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(derived), nil
}

func verifyStreamKey(stored, candidate string) bool {
	parts := strings.SplitN(stored, "$", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	derived := pbkdf2.Key([]byte(candidate), salt, streamKeyIterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(derived, expected) == 1
}
