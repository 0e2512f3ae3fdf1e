package hub

import (
	"log/slog"
	"time"

	"sync"

	"streamhub/internal/models"
	"streamhub/internal/observability/metrics"
)

// DefaultQueueCapacity bounds the per-user offline notification queue. When
// the queue is full the eldest entry is dropped first, so a user returning
// from a long absence sees the most recent history rather than the oldest.
const DefaultQueueCapacity = 200

// DispatcherConfig configures a notification dispatcher.
type DispatcherConfig struct {
	Registry  *Registry
	Transport Transport
	// Capacity overrides the per-user queue bound. Zero keeps the default.
	Capacity int
	Logger   *slog.Logger
}

// Dispatcher routes structured notifications to personal channels. Online
// recipients get immediate delivery to every open connection; offline
// recipients accumulate a bounded, ordered queue that is flushed exactly
// once on their next authentication.
//
// Each user has a dedicated lock covering both queue mutation and delivery,
// which makes flush-and-clear atomic with respect to concurrent Send calls
// for the same user while different users proceed independently.
type Dispatcher struct {
	registry  *Registry
	transport Transport
	capacity  int
	logger    *slog.Logger

	mu     sync.Mutex
	queues map[string]*userQueue
}

type userQueue struct {
	mu      sync.Mutex
	pending []models.Notification
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		transport: cfg.Transport,
		capacity:  capacity,
		logger:    logger,
		queues:    make(map[string]*userQueue),
	}
}

func (d *Dispatcher) queueFor(userID string) *userQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	return q
}

// Send delivers the notification immediately when the recipient holds at
// least one open connection, and queues it otherwise. Queued entries beyond
// the capacity evict the eldest first.
func (d *Dispatcher) Send(userID string, notification models.Notification) {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	q := d.queueFor(userID)
	q.mu.Lock()
	defer q.mu.Unlock()

	conns := d.registry.ConnectionsOf(userID)
	if len(conns) > 0 {
		payload := notificationPayload(notification)
		for _, connID := range conns {
			d.transport.Deliver(connID, payload)
		}
		metrics.Default().ObserveNotification("delivered")
		return
	}

	q.pending = append(q.pending, notification)
	metrics.Default().ObserveNotification("queued")
	if over := len(q.pending) - d.capacity; over > 0 {
		d.logger.Debug("notification queue overflow",
			"user_id", userID, "dropped", over)
		q.pending = append([]models.Notification(nil), q.pending[over:]...)
		metrics.Default().ObserveNotification("dropped")
	}
}

// FlushQueued delivers every queued notification for the user in enqueue
// order and clears the queue atomically. It is invoked once per
// authentication event; flushing a user with nothing queued is a no-op.
func (d *Dispatcher) FlushQueued(userID string) int {
	q := d.queueFor(userID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return 0
	}

	conns := d.registry.ConnectionsOf(userID)
	if len(conns) == 0 {
		// The connection vanished between authentication and flush; keep the
		// queue intact for the next attempt rather than dropping deliveries.
		return 0
	}
	flushed := q.pending
	q.pending = nil
	for _, notification := range flushed {
		payload := notificationPayload(notification)
		for _, connID := range conns {
			d.transport.Deliver(connID, payload)
		}
		metrics.Default().ObserveNotification("flushed")
	}
	return len(flushed)
}

// QueuedCount reports how many notifications are waiting for the user.
func (d *Dispatcher) QueuedCount(userID string) int {
	q := d.queueFor(userID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// BroadcastSystem sends an announcement to every currently connected user's
// personal channel. Announcements are not durable: offline users never see
// them and nothing is queued.
func (d *Dispatcher) BroadcastSystem(message, severity string) {
	notification := models.Notification{
		Type:      models.NotificationSystemAnnouncement,
		Title:     "System Announcement",
		Message:   message,
		Data:      map[string]any{"severity": severity},
		CreatedAt: time.Now().UTC(),
	}
	payload := notificationPayload(notification)
	for _, connID := range d.registry.AuthenticatedConnections() {
		d.transport.Deliver(connID, payload)
	}
}
