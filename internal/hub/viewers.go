package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
)

// ViewersConfig configures a viewer count aggregator.
type ViewersConfig struct {
	Rooms     *Rooms
	Store     Store
	Transport Transport
	Logger    *slog.Logger
	// MaxConcurrentSaves bounds in-flight repository writes. Zero keeps the
	// default of 8.
	MaxConcurrentSaves int64
	// SaveAttempts bounds retries for one snapshot write. Zero keeps the
	// default of 3.
	SaveAttempts int
	// RetryInterval is the base backoff between attempts, scaled linearly.
	RetryInterval time.Duration
}

// Viewers keeps the broadcast viewer count of every room equal to its member
// set size and mirrors each change to the persisted stream snapshot. The
// in-memory count is authoritative; persistence is write-through and
// best-effort behind a circuit breaker, so a dead repository degrades to
// log-only without ever stalling the broadcast path.
type Viewers struct {
	rooms         *Rooms
	store         Store
	transport     Transport
	logger        *slog.Logger
	saveAttempts  int
	retryInterval time.Duration
	sem           *semaphore.Weighted
	breaker       *gobreaker.CircuitBreaker

	mu    sync.Mutex
	ended map[string]struct{}
}

func NewViewers(cfg ViewersConfig) *Viewers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxSaves := cfg.MaxConcurrentSaves
	if maxSaves <= 0 {
		maxSaves = 8
	}
	attempts := cfg.SaveAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "viewer-count-writes",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Viewers{
		rooms:         cfg.Rooms,
		store:         cfg.Store,
		transport:     cfg.Transport,
		logger:        logger,
		saveAttempts:  attempts,
		retryInterval: interval,
		sem:           semaphore.NewWeighted(maxSaves),
		breaker:       breaker,
		ended:         make(map[string]struct{}),
	}
}

// EnsureJoinable rejects joins to streams whose lifecycle has ended. Rooms
// for streams that are not yet live remain joinable; they simply have no
// persisted snapshot to mirror.
func (v *Viewers) EnsureJoinable(streamID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, done := v.ended[streamID]; done {
		return ErrStreamNotLive
	}
	return nil
}

// MarkEnded stops count tracking for the stream. Existing room members are
// left in place; teardown is the client's decision.
func (v *Viewers) MarkEnded(streamID string) {
	v.mu.Lock()
	v.ended[streamID] = struct{}{}
	v.mu.Unlock()
}

// OnJoin reacts to a membership increase: broadcast the new count to the
// room and mirror it, counting the join toward total views.
func (v *Viewers) OnJoin(streamID string, count int) {
	v.publish(streamID, count, true)
}

// OnLeave reacts to a membership decrease from an explicit leave or a
// disconnect cascade.
func (v *Viewers) OnLeave(streamID string, count int) {
	v.publish(streamID, count, false)
}

func (v *Viewers) publish(streamID string, count int, countView bool) {
	payload := marshalEvent(viewerCountUpdateEvent{
		Event:       "viewer-count-update",
		StreamID:    streamID,
		ViewerCount: count,
	})
	for _, connID := range v.rooms.Connections(streamID) {
		v.transport.Deliver(connID, payload)
	}
	go v.persist(streamID, count, countView)
}

func (v *Viewers) persist(streamID string, count int, countView bool) {
	ctx := context.Background()
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer v.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt < v.saveAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * v.retryInterval)
		}
		_, err := v.breaker.Execute(func() (any, error) {
			stream, ok := v.store.GetStream(streamID)
			if !ok {
				// No persisted entity yet; nothing to mirror.
				return nil, nil
			}
			stream.ViewerCount = count
			if countView {
				stream.TotalViews++
			}
			return nil, v.store.SaveStream(stream)
		})
		if err == nil {
			return
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			break
		}
	}
	v.logger.Warn("viewer count write-through failed",
		"stream_id", streamID, "viewer_count", count, "error", lastErr)
}
