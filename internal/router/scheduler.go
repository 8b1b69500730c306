package router

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ScheduleStore persists the pending wake-up so a restart does not lose or
// double-book it.
type ScheduleStore interface {
	SaveSchedule(due time.Time) error
	LoadSchedule() (time.Time, error)
}

// Scheduler arms at most one future background wake-up at a time. A new
// request while an undue wake-up is pending is ignored (single-flight).
type Scheduler struct {
	store  ScheduleStore
	fn     func()
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	due   time.Time
	timer *time.Timer
}

// NewScheduler creates a scheduler invoking fn at each due time. A wake-up
// persisted by a previous run is re-armed if still in the future.
func NewScheduler(store ScheduleStore, fn func(), logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		store:  store,
		fn:     fn,
		logger: logger.With(zap.String("component", "scheduler")),
		now:    time.Now,
	}

	if store != nil {
		due, err := store.LoadSchedule()
		if err != nil {
			s.logger.Warn("Failed to load persisted schedule", zap.Error(err))
		} else if !due.IsZero() && due.After(s.now()) {
			s.armLocked(due)
			s.logger.Debug("Re-armed persisted wake-up", zap.Time("due", due))
		}
	}

	return s
}

// ScheduleIn requests a wake-up after d. No-op while an earlier-armed
// wake-up is still pending and not yet due.
func (s *Scheduler) ScheduleIn(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.due.IsZero() && s.due.After(now) {
		s.logger.Debug("Wake-up already pending", zap.Time("due", s.due))
		return
	}

	due := now.Add(d)
	s.armLocked(due)
	s.persist(due)
	s.logger.Debug("Wake-up scheduled", zap.Duration("in", d))
}

// Pending returns the due time of the armed wake-up, or the zero time.
func (s *Scheduler) Pending() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.due.After(s.now()) {
		return s.due
	}
	return time.Time{}
}

// Stop cancels any armed wake-up without clearing the persisted due time,
// so a restart can pick it back up.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.due = time.Time{}
}

func (s *Scheduler) armLocked(due time.Time) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.due = due
	s.timer = time.AfterFunc(due.Sub(s.now()), s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	s.due = time.Time{}
	s.timer = nil
	s.persist(time.Time{})
	s.mu.Unlock()

	if s.fn != nil {
		s.fn()
	}
}

func (s *Scheduler) persist(due time.Time) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveSchedule(due); err != nil {
		s.logger.Warn("Failed to persist schedule", zap.Error(err))
	}
}
