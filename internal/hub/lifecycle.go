package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamhub/internal/models"
	"streamhub/internal/observability/metrics"
)

// StreamURLs derives the ingest and playback endpoints for a stream from
// configurable templates. The %s verb is replaced with the stream id.
type StreamURLs struct {
	IngestTemplate   string
	PlaybackTemplate string
}

// DefaultStreamURLs matches a single-node deployment with a local media
// server in front of the hub.
var DefaultStreamURLs = StreamURLs{
	IngestTemplate:   "rtmp://ingest.localhost/live/%s",
	PlaybackTemplate: "https://cdn.localhost/hls/%s/index.m3u8",
}

// For returns the (ingest, playback) URL pair for the stream.
func (u StreamURLs) For(streamID string) (string, string) {
	urls := u
	if urls.IngestTemplate == "" {
		urls.IngestTemplate = DefaultStreamURLs.IngestTemplate
	}
	if urls.PlaybackTemplate == "" {
		urls.PlaybackTemplate = DefaultStreamURLs.PlaybackTemplate
	}
	return fmt.Sprintf(urls.IngestTemplate, streamID), fmt.Sprintf(urls.PlaybackTemplate, streamID)
}

// LifecycleConfig configures a stream lifecycle coordinator.
type LifecycleConfig struct {
	Store     Store
	Registry  *Registry
	Rooms     *Rooms
	Notifier  *Dispatcher
	Viewers   *Viewers
	Transport Transport
	Queue     Queue
	URLs      StreamURLs
	Logger    *slog.Logger
}

// Lifecycle drives the NotLive -> Live -> Ended state machine from ingestion
// signals. Ended is terminal for a stream entity; the next ingestion start
// on the same key reuses or creates a fresh not-live entity. Signals that
// arrive out of order are dropped and logged, never surfaced to clients.
type Lifecycle struct {
	store     Store
	registry  *Registry
	rooms     *Rooms
	notifier  *Dispatcher
	viewers   *Viewers
	transport Transport
	queue     Queue
	urls      StreamURLs
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]liveSession
}

type liveSession struct {
	streamID   string
	streamerID string
	sessionID  string
	startedAt  time.Time
}

func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:     cfg.Store,
		registry:  cfg.Registry,
		rooms:     cfg.Rooms,
		notifier:  cfg.Notifier,
		viewers:   cfg.Viewers,
		transport: cfg.Transport,
		queue:     cfg.Queue,
		urls:      cfg.URLs,
		logger:    logger,
		active:    make(map[string]liveSession),
	}
}

// HandleIngestStart transitions the streamer's stream entity to Live and
// fans out start notifications. An unknown stream key drops the signal with
// ErrUnknownStreamKey; ingestion proceeds independently and is never
// retried from here. A duplicate start for an already-live key is a no-op.
func (l *Lifecycle) HandleIngestStart(ctx context.Context, streamKey, sessionID string) error {
	l.mu.Lock()
	if existing, ok := l.active[streamKey]; ok {
		l.mu.Unlock()
		l.logger.Info("ignoring duplicate ingestion start",
			"stream_id", existing.streamID, "session_id", sessionID)
		return nil
	}

	streamer, ok := l.store.FindUserByStreamKey(streamKey)
	if !ok {
		l.mu.Unlock()
		l.logger.Warn("dropping ingestion start for unknown stream key", "session_id", sessionID)
		return ErrUnknownStreamKey
	}

	stream, err := l.store.FindOrCreateLiveStream(streamer.ID)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("prepare stream for %s: %w", streamer.ID, err)
	}

	now := time.Now().UTC()
	stream.State = models.StreamStateLive
	stream.StartedAt = &now
	stream.EndedAt = nil
	stream.DurationSeconds = 0
	stream.ViewerCount = 0
	stream.CurrentSessionID = &sessionID
	stream.IngestURL, stream.PlaybackURL = l.urls.For(stream.ID)
	if err := l.store.SaveStream(stream); err != nil {
		// The live session proceeds on in-memory state; the mirror catches
		// up on the next write-through.
		l.logger.Warn("stream start persistence failed", "stream_id", stream.ID, "error", err)
	}

	l.active[streamKey] = liveSession{
		streamID:   stream.ID,
		streamerID: streamer.ID,
		sessionID:  sessionID,
		startedAt:  now,
	}
	l.mu.Unlock()

	l.publish(ctx, stream, models.StreamStateLive)
	l.notifyStreamStarted(streamer, stream)
	metrics.Default().StreamStarted()
	l.logger.Info("stream went live",
		"stream_id", stream.ID, "streamer_id", streamer.ID, "session_id", sessionID)
	return nil
}

// HandleIngestStop transitions the matching live session to Ended. A stop
// with no active session is a no-op: it is logged and no client-visible
// event fires.
func (l *Lifecycle) HandleIngestStop(ctx context.Context, streamKey string) error {
	l.mu.Lock()
	session, ok := l.active[streamKey]
	if !ok {
		l.mu.Unlock()
		l.logger.Info("ignoring ingestion stop without active session")
		return nil
	}
	delete(l.active, streamKey)
	l.mu.Unlock()

	now := time.Now().UTC()
	stream, found := l.store.GetStream(session.streamID)
	if found {
		stream.State = models.StreamStateEnded
		stream.EndedAt = &now
		stream.DurationSeconds = int(now.Sub(session.startedAt) / time.Second)
		stream.CurrentSessionID = nil
		if err := l.store.SaveStream(stream); err != nil {
			l.logger.Warn("stream end persistence failed", "stream_id", stream.ID, "error", err)
		}
	} else {
		stream = models.Stream{ID: session.streamID, StreamerID: session.streamerID}
	}

	l.viewers.MarkEnded(session.streamID)
	l.publish(ctx, stream, models.StreamStateEnded)

	payload := notificationPayload(models.Notification{
		Type:    models.NotificationStreamEnded,
		Title:   "Stream ended",
		Message: "The broadcast has ended",
		Data: map[string]any{
			"streamId":        session.streamID,
			"durationSeconds": stream.DurationSeconds,
		},
		CreatedAt: now,
	})
	for _, connID := range l.rooms.Connections(session.streamID) {
		l.transport.Deliver(connID, payload)
	}
	metrics.Default().StreamEnded()
	l.logger.Info("stream ended",
		"stream_id", session.streamID, "duration_seconds", stream.DurationSeconds)
	return nil
}

// ActiveSessionID exposes the session id bound to a live stream key, mainly
// for diagnostics endpoints.
func (l *Lifecycle) ActiveSessionID(streamKey string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	session, ok := l.active[streamKey]
	return session.sessionID, ok
}

func (l *Lifecycle) publish(ctx context.Context, stream models.Stream, state models.StreamState) {
	if l.queue == nil {
		return
	}
	event := Event{
		Type: EventTypeLifecycle,
		Lifecycle: &LifecycleEvent{
			StreamID:   stream.ID,
			StreamerID: stream.StreamerID,
			State:      state,
		},
		OccurredAt: time.Now().UTC(),
	}
	if err := l.queue.Publish(ctx, event); err != nil {
		l.logger.Warn("lifecycle event publish failed", "stream_id", stream.ID, "error", err)
	}
}

func (l *Lifecycle) notifyStreamStarted(streamer models.User, stream models.Stream) {
	notification := models.Notification{
		Type:    models.NotificationStreamStarted,
		Title:   streamer.DisplayName() + " is live",
		Message: fmt.Sprintf("%s started streaming", streamer.DisplayName()),
		Data: map[string]any{
			"streamId":    stream.ID,
			"streamerId":  streamer.ID,
			"playbackUrl": stream.PlaybackURL,
		},
		CreatedAt: time.Now().UTC(),
	}
	for _, followerID := range l.store.ListFollowers(streamer.ID) {
		l.notifier.Send(followerID, notification)
	}

	payload := marshalEvent(newLiveStreamEvent{
		Event:    "new-live-stream",
		StreamID: stream.ID,
		Title:    stream.Title,
		Streamer: streamerSummary{
			ID:       streamer.ID,
			Username: streamer.DisplayName(),
			Avatar:   streamer.AvatarURL,
		},
	})
	for _, connID := range l.registry.AuthenticatedConnections() {
		l.transport.Deliver(connID, payload)
	}
}
