package storage

import (
	"context"
	"fmt"
	"log/slog"

	"streamhub/internal/hub"
)

// ApplyEvent persists the side effects of a hub event. Chat messages are
// stored; lifecycle transitions carry no repository work because the hub
// mirrors the stream snapshot directly through SaveStream.
func (s *Storage) ApplyEvent(event hub.Event) error {
	switch event.Type {
	case hub.EventTypeMessage:
		if event.Message == nil {
			return fmt.Errorf("message payload missing")
		}
		return s.SaveChatMessage(*event.Message)
	case hub.EventTypeLifecycle:
		return nil
	default:
		return fmt.Errorf("unsupported hub event %q", event.Type)
	}
}

// ApplyEvent persists hub event side effects to Postgres; see the Storage
// variant for the event semantics.
func (r *postgresRepository) ApplyEvent(event hub.Event) error {
	switch event.Type {
	case hub.EventTypeMessage:
		if event.Message == nil {
			return fmt.Errorf("message payload missing")
		}
		return r.SaveChatMessage(*event.Message)
	case hub.EventTypeLifecycle:
		return nil
	default:
		return fmt.Errorf("unsupported hub event %q", event.Type)
	}
}

// ChatWorker consumes queue events and applies them to the repository. It is
// the external persistence hook the broadcaster publishes to: chat stays
// ephemeral inside the hub, and transcript durability lives here.
type ChatWorker struct {
	queue  hub.Queue
	store  Repository
	logger *slog.Logger
}

// NewChatWorker prepares a worker that persists hub events delivered via the
// queue.
func NewChatWorker(store Repository, queue hub.Queue, logger *slog.Logger) *ChatWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatWorker{queue: queue, store: store, logger: logger}
}

// Run blocks until the context is cancelled, persisting events as they
// arrive.
func (w *ChatWorker) Run(ctx context.Context) {
	if w.queue == nil || w.store == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := w.store.ApplyEvent(event); err != nil {
				w.logger.Error("failed to apply hub event", "type", event.Type, "error", err)
			}
		}
	}
}
