package orchestrator

import (
	"sync"
	"time"

	"helmsman/internal/logging"
)

// TimerService schedules deadline callbacks by id. Scheduling the same id
// twice is a no-op, so ticks can re-issue ScheduleTimer commands without
// stacking duplicate fires.
type TimerService struct {
	logger logging.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewTimerService creates an empty timer service.
func NewTimerService(logger logging.Logger) *TimerService {
	return &TimerService{
		logger: logging.OrNop(logger),
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arms a timer that calls fire at dueAt. Past deadlines fire
// immediately on the timer goroutine, never inline.
func (s *TimerService) Schedule(timerID string, dueAt time.Time, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, exists := s.timers[timerID]; exists {
		return
	}

	delay := time.Until(dueAt)
	if delay < 0 {
		delay = 0
	}
	s.timers[timerID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, timerID)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		s.logger.Debug("timer %s fired", timerID)
		fire()
	})
}

// Cancel disarms a pending timer. Unknown ids are ignored.
func (s *TimerService) Cancel(timerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[timerID]; ok {
		timer.Stop()
		delete(s.timers, timerID)
	}
}

// Stop disarms every pending timer and rejects new schedules.
func (s *TimerService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for timerID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, timerID)
	}
}
