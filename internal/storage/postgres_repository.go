package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamhub/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
	// QueryTimeout bounds individual repository operations. Zero keeps the
	// default of 5 seconds.
	QueryTimeout time.Duration
}

type postgresRepository struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

var _ Repository = (*postgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool, queryTimeout: cfg.QueryTimeout}
	if repo.queryTimeout <= 0 {
		repo.queryTimeout = 5 * time.Second
	}
	if err := repo.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		avatar_url TEXT NOT NULL DEFAULT '',
		is_streamer BOOLEAN NOT NULL DEFAULT FALSE,
		chat_banned BOOLEAN NOT NULL DEFAULT FALSE,
		chat_ban_reason TEXT NOT NULL DEFAULT '',
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		stream_key_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		streamer_id TEXT NOT NULL REFERENCES users(id),
		title TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		current_session_id TEXT,
		ingest_url TEXT NOT NULL DEFAULT '',
		playback_url TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		viewer_count INTEGER NOT NULL DEFAULT 0,
		total_views BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS streams_streamer_idx ON streams (streamer_id, state)`,
	`CREATE TABLE IF NOT EXISTS follows (
		streamer_id TEXT NOT NULL REFERENCES users(id),
		follower_id TEXT NOT NULL REFERENCES users(id),
		followed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (streamer_id, follower_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_stream_idx ON chat_messages (stream_id, id)`,
}

func (r *postgresRepository) migrate() error {
	ctx, cancel := r.opContext()
	defer cancel()
	for _, stmt := range postgresSchema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.queryTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const userColumns = `id, username, avatar_url, is_streamer, chat_banned, chat_ban_reason, is_online, last_seen, created_at`

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.AvatarURL, &user.IsStreamer,
		&user.ChatBanned, &user.ChatBanReason, &user.IsOnline, &user.LastSeen, &user.CreatedAt)
	return user, err
}

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
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
	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO users (id, username, avatar_url, is_streamer, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Username, user.AvatarURL, user.IsStreamer, user.CreatedAt)
	if err != nil {
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	user, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) ListUsers() []models.User {
	ctx, cancel := r.opContext()
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil
		}
		users = append(users, user)
	}
	return users
}

func (r *postgresRepository) UpdateUser(id string, update UserUpdate) (models.User, error) {
	ctx, cancel := r.opContext()
	defer cancel()
	user, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("load user: %w", err)
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
	_, err = r.pool.Exec(ctx,
		`UPDATE users SET username = $2, avatar_url = $3, is_streamer = $4 WHERE id = $1`,
		user.ID, user.Username, user.AvatarURL, user.IsStreamer)
	if err != nil {
		return models.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) UpdatePresence(userID string, online bool, lastSeen time.Time) error {
	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1`,
		userID, online, lastSeen.UTC())
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) SetChatBan(userID string, banned bool, reason string) (models.User, error) {
	if !banned {
		reason = ""
	}
	ctx, cancel := r.opContext()
	defer cancel()
	user, err := scanUser(r.pool.QueryRow(ctx,
		`UPDATE users SET chat_banned = $2, chat_ban_reason = $3 WHERE id = $1 RETURNING `+userColumns,
		userID, banned, strings.TrimSpace(reason)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("set chat ban: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) Follow(followerID, streamerID string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO follows (streamer_id, follower_id, followed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (streamer_id, follower_id) DO NOTHING`,
		streamerID, followerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert follow: %w", err)
	}
	return nil
}

func (r *postgresRepository) Unfollow(followerID, streamerID string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM follows WHERE streamer_id = $1 AND follower_id = $2`,
		streamerID, followerID)
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListFollowers(streamerID string) []string {
	ctx, cancel := r.opContext()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT follower_id FROM follows WHERE streamer_id = $1 ORDER BY follower_id`, streamerID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var followers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil
		}
		followers = append(followers, id)
	}
	return followers
}

func (r *postgresRepository) IssueStreamKey(userID string) (string, error) {
	key, err := generateStreamKey()
	if err != nil {
		return "", err
	}
	hash, err := hashStreamKey(key)
	if err != nil {
		return "", err
	}
	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET stream_key_hash = $2 WHERE id = $1`, userID, hash)
	if err != nil {
		return "", fmt.Errorf("store stream key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return key, nil
}

func (r *postgresRepository) FindUserByStreamKey(key string) (models.User, bool) {
	if strings.TrimSpace(key) == "" {
		return models.User{}, false
	}
	ctx, cancel := r.opContext()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+`, stream_key_hash FROM users WHERE stream_key_hash <> ''`)
	if err != nil {
		return models.User{}, false
	}
	defer rows.Close()
	for rows.Next() {
		var user models.User
		var hash string
		if err := rows.Scan(&user.ID, &user.Username, &user.AvatarURL, &user.IsStreamer,
			&user.ChatBanned, &user.ChatBanReason, &user.IsOnline, &user.LastSeen,
			&user.CreatedAt, &hash); err != nil {
			return models.User{}, false
		}
		if verifyStreamKey(hash, key) {
			return user, true
		}
	}
	return models.User{}, false
}

const streamColumns = `id, streamer_id, title, state, current_session_id, ingest_url, playback_url,
	started_at, ended_at, duration_seconds, viewer_count, total_views, created_at, updated_at`

func scanStream(row pgx.Row) (models.Stream, error) {
	var stream models.Stream
	var state string
	err := row.Scan(&stream.ID, &stream.StreamerID, &stream.Title, &state,
		&stream.CurrentSessionID, &stream.IngestURL, &stream.PlaybackURL,
		&stream.StartedAt, &stream.EndedAt, &stream.DurationSeconds,
		&stream.ViewerCount, &stream.TotalViews, &stream.CreatedAt, &stream.UpdatedAt)
	stream.State = models.StreamState(state)
	return stream, err
}

func (r *postgresRepository) CreateStream(streamerID, title string) (models.Stream, error) {
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
	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO streams (id, streamer_id, title, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		stream.ID, stream.StreamerID, stream.Title, string(stream.State),
		stream.CreatedAt, stream.UpdatedAt)
	if err != nil {
		return models.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) GetStream(id string) (models.Stream, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	stream, err := scanStream(r.pool.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
	if err != nil {
		return models.Stream{}, false
	}
	return stream, true
}

func (r *postgresRepository) ListStreams(streamerID string) []models.Stream {
	ctx, cancel := r.opContext()
	defer cancel()
	query := `SELECT ` + streamColumns + ` FROM streams ORDER BY created_at`
	args := []any{}
	if streamerID != "" {
		query = `SELECT ` + streamColumns + ` FROM streams WHERE streamer_id = $1 ORDER BY created_at`
		args = append(args, streamerID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil
		}
		streams = append(streams, stream)
	}
	return streams
}

func (r *postgresRepository) FindOrCreateLiveStream(streamerID string) (models.Stream, error) {
	ctx, cancel := r.opContext()
	defer cancel()
	stream, err := scanStream(r.pool.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM streams
		 WHERE streamer_id = $1 AND state = $2
		 ORDER BY created_at DESC LIMIT 1`,
		streamerID, string(models.StreamStateNotLive)))
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("find stream: %w", err)
	}
	return r.CreateStream(streamerID, "")
}

func (r *postgresRepository) SaveStream(stream models.Stream) error {
	if stream.ID == "" {
		return fmt.Errorf("stream id is required")
	}
	stream.UpdatedAt = time.Now().UTC()
	ctx, cancel := r.opContext()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO streams (`+streamColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			state = EXCLUDED.state,
			current_session_id = EXCLUDED.current_session_id,
			ingest_url = EXCLUDED.ingest_url,
			playback_url = EXCLUDED.playback_url,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			duration_seconds = EXCLUDED.duration_seconds,
			viewer_count = EXCLUDED.viewer_count,
			total_views = EXCLUDED.total_views,
			updated_at = EXCLUDED.updated_at`,
		stream.ID, stream.StreamerID, stream.Title, string(stream.State),
		stream.CurrentSessionID, stream.IngestURL, stream.PlaybackURL,
		stream.StartedAt, stream.EndedAt, stream.DurationSeconds,
		stream.ViewerCount, stream.TotalViews, stream.CreatedAt, stream.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save stream: %w", err)
	}
	return nil
}

func (r *postgresRepository) SaveChatMessage(message models.ChatMessage) error {
	if message.ID == "" || message.StreamID == "" || message.UserID == "" {
		return fmt.Errorf("invalid chat message")
	}
	ctx, cancel := r.opContext()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, stream_id, user_id, username, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		message.ID, message.StreamID, message.UserID, message.Username,
		message.Content, message.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListChatMessages(streamID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > maxChatMessagesLimit {
		limit = maxChatMessagesLimit
	}
	ctx, cancel := r.opContext()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT id, stream_id, user_id, username, content, created_at FROM chat_messages
		 WHERE stream_id = $1 ORDER BY id DESC LIMIT $2`, streamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()
	var messages []models.ChatMessage
	for rows.Next() {
		var message models.ChatMessage
		if err := rows.Scan(&message.ID, &message.StreamID, &message.UserID,
			&message.Username, &message.Content, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, message)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	return messages, nil
}
