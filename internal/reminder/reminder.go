// Package reminder schedules the one-shot reminders leading up to the
// next call. The schedule is rebuilt from scratch whenever the cycle
// advances or the cycle number is overridden.
package reminder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/towncrier-bot/towncrier/internal/schedule"
)

// FireFunc is called when a reminder fires.
type FireFunc func(ctx context.Context, ft schedule.FireTime)

// Scheduler holds the pending one-shot timers for the current cycle.
type Scheduler struct {
	rule   schedule.Rule
	leads  []time.Duration
	fire   FireFunc
	logger *slog.Logger

	mu      sync.Mutex
	timers  []*time.Timer
	pending int
	anchor  time.Time
	stopped bool
	wg      sync.WaitGroup
}

// New creates a scheduler. fire runs on its own goroutine per reminder.
func New(rule schedule.Rule, leads []time.Duration, fire FireFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		rule:   rule,
		leads:  leads,
		fire:   fire,
		logger: logger.With("component", "reminder"),
	}
}

// Rebuild drops every pending timer and schedules fresh ones against
// the next anchor after now. Fire times already in the past are not
// scheduled. Returns the anchor the reminders target.
func (s *Scheduler) Rebuild(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	if s.stopped {
		return time.Time{}
	}

	anchor := s.rule.NextAnchor(now)
	fireTimes := schedule.FireTimes(now, anchor, s.leads)

	for _, ft := range fireTimes {
		ft := ft
		delay := ft.At.Sub(now)
		// Registered before the timer exists: the WaitGroup counter must
		// never be incremented from inside an already-running callback.
		// cancelLocked releases it again for timers stopped in time.
		s.wg.Add(1)
		timer := time.AfterFunc(delay, func() {
			s.onFire(ft)
		})
		s.timers = append(s.timers, timer)
	}
	s.pending = len(fireTimes)
	s.anchor = anchor

	s.logger.Info("reminders scheduled",
		"anchor", anchor,
		"count", s.pending,
	)
	return anchor
}

// Stop cancels all pending timers and waits for in-flight fire
// callbacks to return. The scheduler cannot be reused afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cancelLocked()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("reminder scheduler stopped")
}

// Status reports the current anchor and how many reminders are still
// pending, for the status command.
func (s *Scheduler) Status() (anchor time.Time, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchor, s.pending
}

func (s *Scheduler) cancelLocked() {
	for _, t := range s.timers {
		// Stop reports whether the callback was prevented from running.
		// If it already fired, onFire owns the WaitGroup slot.
		if t.Stop() {
			s.wg.Done()
		}
	}
	s.timers = nil
	s.pending = 0
}

func (s *Scheduler) onFire(ft schedule.FireTime) {
	defer s.wg.Done()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.pending > 0 {
		s.pending--
	}
	s.mu.Unlock()

	s.logger.Info("reminder firing",
		"lead", ft.Lead,
		"variant", ft.Variant,
		"anchor", ft.At.Add(ft.Lead),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	s.fire(ctx, ft)
}
