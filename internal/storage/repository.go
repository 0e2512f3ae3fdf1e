// Package storage provides the user and stream repository backing the hub.
// Two implementations exist: a JSON-file store for single-node deployments
// and tests, and a Postgres store for everything else.
package storage

import (
	"context"
	"time"

	"streamhub/internal/hub"
	"streamhub/internal/models"
)

// CreateUserParams describes a new user record.
type CreateUserParams struct {
	Username   string
	AvatarURL  string
	IsStreamer bool
}

// UserUpdate holds optional field updates for a user. Nil fields are left
// untouched.
type UserUpdate struct {
	Username   *string
	AvatarURL  *string
	IsStreamer *bool
}

// Repository exposes the datastore operations required by the hub, the
// ingestion webhook, and the chat persistence worker. It is a superset of
// hub.Store.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	GetUser(id string) (models.User, bool)
	ListUsers() []models.User
	UpdateUser(id string, update UserUpdate) (models.User, error)
	UpdatePresence(userID string, online bool, lastSeen time.Time) error
	SetChatBan(userID string, banned bool, reason string) (models.User, error)

	Follow(followerID, streamerID string) error
	Unfollow(followerID, streamerID string) error
	ListFollowers(streamerID string) []string

	IssueStreamKey(userID string) (string, error)
	FindUserByStreamKey(key string) (models.User, bool)

	CreateStream(streamerID, title string) (models.Stream, error)
	GetStream(id string) (models.Stream, bool)
	ListStreams(streamerID string) []models.Stream
	FindOrCreateLiveStream(streamerID string) (models.Stream, error)
	SaveStream(stream models.Stream) error

	SaveChatMessage(message models.ChatMessage) error
	ListChatMessages(streamID string, limit int) ([]models.ChatMessage, error)

	ApplyEvent(event hub.Event) error
}

var (
	_ Repository = (*Storage)(nil)
	_ hub.Store  = (Repository)(nil)
)
