package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamhub/internal/models"
)

// DefaultOfflineWindow is the grace period before a user with no remaining
// connections is declared offline. Reconnecting within the window cancels
// the transition entirely.
const DefaultOfflineWindow = 30 * time.Second

// PresenceConfig configures a presence tracker.
type PresenceConfig struct {
	Registry  *Registry
	Store     Store
	Notifier  *Dispatcher
	Scheduler Scheduler
	// Window overrides the offline debounce duration. Zero keeps the default.
	Window time.Duration
	Logger *slog.Logger
}

// Presence derives online/offline transitions from the registry's connection
// set. Online fires immediately on the first connection; offline is debounced
// by the grace window. Follower fan-out happens only for streamers so viewer
// churn does not spam anyone.
type Presence struct {
	registry  *Registry
	store     Store
	notifier  *Dispatcher
	scheduler Scheduler
	window    time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	online map[string]struct{}
}

func NewPresence(cfg PresenceConfig) *Presence {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultOfflineWindow
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = NewScheduler()
	}
	return &Presence{
		registry:  cfg.Registry,
		store:     cfg.Store,
		notifier:  cfg.Notifier,
		scheduler: scheduler,
		window:    window,
		logger:    logger,
		online:    make(map[string]struct{}),
	}
}

// HandleAuthenticated reacts to a connection binding to the user. Any
// pending offline timer for the user is cancelled; the first connection
// flips the user online and notifies followers right away.
func (p *Presence) HandleAuthenticated(userID string) {
	p.scheduler.Cancel(userID)

	p.mu.Lock()
	_, wasOnline := p.online[userID]
	p.online[userID] = struct{}{}
	p.mu.Unlock()
	if wasOnline {
		return
	}

	p.persist(userID, true)
	if user, ok := p.store.GetUser(userID); ok && user.IsStreamer {
		p.notifyFollowers(user, models.NotificationUserOnline,
			fmt.Sprintf("%s is online", user.DisplayName()))
	}
}

// HandleClosed reacts to the user losing a connection. When no connections
// remain, an offline timer starts; a reconnect within the window cancels it
// so no offline event ever fires.
func (p *Presence) HandleClosed(userID string) {
	if userID == "" || p.registry.IsOnline(userID) {
		return
	}
	p.scheduler.Schedule(userID, p.window, func() {
		p.declareOffline(userID)
	})
}

func (p *Presence) declareOffline(userID string) {
	// The timer may race a reconnect that arrived after it was committed to
	// fire; the connection set is re-checked so the transition stays correct.
	if p.registry.IsOnline(userID) {
		return
	}

	p.mu.Lock()
	_, wasOnline := p.online[userID]
	delete(p.online, userID)
	p.mu.Unlock()
	if !wasOnline {
		return
	}

	p.persist(userID, false)
	if user, ok := p.store.GetUser(userID); ok && user.IsStreamer {
		p.notifyFollowers(user, models.NotificationUserOffline,
			fmt.Sprintf("%s went offline", user.DisplayName()))
	}
}

// IsOnline reports the tracker's view of the user, which stays true through
// the debounce window after the last connection closes.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok
}

func (p *Presence) persist(userID string, online bool) {
	lastSeen := time.Now().UTC()
	go func() {
		if err := p.store.UpdatePresence(userID, online, lastSeen); err != nil {
			p.logger.Warn("presence write-through failed",
				"user_id", userID, "online", online, "error", err)
		}
	}()
}

func (p *Presence) notifyFollowers(user models.User, kind models.NotificationType, message string) {
	followers := p.store.ListFollowers(user.ID)
	if len(followers) == 0 {
		return
	}
	notification := models.Notification{
		Type:    kind,
		Title:   user.DisplayName(),
		Message: message,
		Data: map[string]any{
			"userId":   user.ID,
			"username": user.DisplayName(),
		},
		CreatedAt: time.Now().UTC(),
	}
	for _, followerID := range followers {
		p.notifier.Send(followerID, notification)
	}
}
