package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"streamhub/internal/models"
)

// EventType enumerates the hub events published to the side-channel queue
// for persistence and analytics consumers.
type EventType string

const (
	// EventTypeMessage carries a chat message for the optional persistence
	// hook.
	EventTypeMessage EventType = "message"
	// EventTypeLifecycle carries a stream state transition.
	EventTypeLifecycle EventType = "lifecycle"
)

// Event is the wire representation forwarded to queue subscribers.
type Event struct {
	Type       EventType           `json:"type"`
	Message    *models.ChatMessage `json:"message,omitempty"`
	Lifecycle  *LifecycleEvent     `json:"lifecycle,omitempty"`
	OccurredAt time.Time           `json:"occurredAt"`
}

// LifecycleEvent describes a stream entering or leaving the live state.
type LifecycleEvent struct {
	StreamID   string             `json:"streamId"`
	StreamerID string             `json:"streamerId"`
	State      models.StreamState `json:"state"`
}

// Queue fans hub events out to interested subscribers. Publishing is
// best-effort from the hub's point of view: failures are logged by the
// caller and never surface to clients.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue suitable for tests
// and single-process deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking to keep the live path responsive.
			// Consumers are expected to drain promptly.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Event, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
