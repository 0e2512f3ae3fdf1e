package hub

import (
	"sync"
	"time"
)

// Scheduler runs a single pending callback per key after a delay. Scheduling
// a key again replaces its pending callback; Cancel suppresses it entirely.
// The presence tracker uses it for offline debounce timers, and tests inject
// a manual implementation to make expiry deterministic.
type Scheduler interface {
	Schedule(key string, delay time.Duration, fn func())
	Cancel(key string)
}

type scheduledTimer struct {
	timer *time.Timer
	id    uint64
}

type timerScheduler struct {
	mu     sync.Mutex
	seq    uint64
	timers map[string]scheduledTimer
}

// NewScheduler returns a Scheduler backed by time.AfterFunc. Each Schedule
// call is tagged with a generation id so a stale timer that fires while a
// replacement is being installed can never run the wrong callback.
func NewScheduler() Scheduler {
	return &timerScheduler{timers: make(map[string]scheduledTimer)}
}

func (s *timerScheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[key]; ok {
		existing.timer.Stop()
	}
	s.seq++
	id := s.seq
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.timers[key]
		if !ok || current.id != id {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = scheduledTimer{timer: timer, id: id}
}

func (s *timerScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[key]; ok {
		existing.timer.Stop()
		delete(s.timers, key)
	}
}
