package webhooks

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Scheduler holds one in-process timer per delivery. Timers are lost on
// restart; the persisted next_retry column is what survives.
type Scheduler struct {
	clock  clockwork.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	timers  map[string]clockwork.Timer
	stopped bool
}

func NewScheduler(clock clockwork.Clock, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock:  clock,
		logger: logger,
		timers: make(map[string]clockwork.Timer),
	}
}

// Schedule arranges for fn(id) to run at the given instant. An earlier timer
// for the same id is replaced. Past instants fire immediately.
func (s *Scheduler) Schedule(id string, at time.Time, fn func(id string)) {
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if old, ok := s.timers[id]; ok {
		old.Stop()
	}

	var timer clockwork.Timer
	timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if current, ok := s.timers[id]; ok && current == timer {
			delete(s.timers, id)
		}
		s.mu.Unlock()

		runSafely(s.logger.With().Str("delivery_id", id).Logger(), "scheduled retry", func() {
			fn(id)
		})
	})
	s.timers[id] = timer
}

// Cancel drops the pending timer for id, if any.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending returns the number of timers that have not fired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
