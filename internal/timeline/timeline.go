// Package timeline implements the scheduler that drives a playlist
// forward item by item, looping indefinitely and emitting
// play/transition/complete events on a typed bus. All waits are measured
// with the monotonic clock (time.Now()/time.Since, never wall-clock
// subtraction), so an NTP step mid-item cannot stretch or truncate a
// display window.
package timeline

import (
	"context"
	"sync"
	"time"

	"github.com/hexmonsignage/device-agent/internal/events"
	"github.com/hexmonsignage/device-agent/pkg/models"
)

// EventKind identifies which scheduler event fired.
type EventKind string

const (
	EventPlayItem         EventKind = "play-item"
	EventTransitionStart  EventKind = "transition-start"
	EventItemComplete     EventKind = "item-complete"
	EventTimelineComplete EventKind = "timeline-complete"
)

// Event is published on every scheduler transition.
type Event struct {
	Kind       EventKind
	Item       models.TimelineItem
	NextItem   *models.TimelineItem
	DurationMs int64
}

// JitterStats summarizes observed scheduling drift.
type JitterStats struct {
	MeanMs float64
	MaxMs  float64
	Ticks  int
}

// Scheduler drives a fixed, ordered playlist, looping indefinitely until
// stopped.
type Scheduler struct {
	mu     sync.Mutex
	items  []models.TimelineItem
	index  int
	paused bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	jitterSum   float64
	jitterMax   float64
	jitterTicks int

	bus *events.Bus[Event]
}

// New constructs an idle Scheduler; Start supplies the items. Start with
// an empty list is a no-op.
func New() *Scheduler {
	return &Scheduler{bus: events.NewBus[Event](16)}
}

// Events returns a subscription to scheduler events.
func (s *Scheduler) Events() <-chan Event {
	return s.bus.Subscribe()
}

// Start begins (or restarts) playback of items from the first entry. Any
// previously running loop is stopped first.
func (s *Scheduler) Start(items []models.TimelineItem) {
	s.Stop()
	if len(items) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.items = items
	s.index = 0
	s.paused = false
	s.cancel = cancel
	s.jitterSum, s.jitterMax, s.jitterTicks = 0, 0, 0
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if s.paused || len(s.items) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		item := s.items[s.index]
		var nextItem *models.TimelineItem
		nextIdx := (s.index + 1) % len(s.items)
		if len(s.items) > 0 {
			n := s.items[nextIdx]
			nextItem = &n
		}
		displayMs := item.DisplayMs
		transitionMs := item.TransitionDurationMs
		if transitionMs > displayMs {
			transitionMs = displayMs
		}
		s.mu.Unlock()

		start := time.Now()
		s.bus.Publish(Event{Kind: EventPlayItem, Item: item, NextItem: nextItem})

		transitionDelay := time.Duration(displayMs-transitionMs) * time.Millisecond
		if !s.sleep(ctx, transitionDelay, start) {
			return
		}

		if transitionMs > 0 {
			s.bus.Publish(Event{Kind: EventTransitionStart, Item: item, NextItem: nextItem, DurationMs: transitionMs})
		}

		remainingDelay := time.Duration(transitionMs) * time.Millisecond
		if !s.sleep(ctx, remainingDelay, start.Add(transitionDelay)) {
			return
		}

		s.recordJitter(start, displayMs)
		s.bus.Publish(Event{Kind: EventItemComplete, Item: item, NextItem: nextItem})

		s.mu.Lock()
		s.index = nextIdx
		wrapped := s.index == 0
		s.mu.Unlock()
		if wrapped {
			s.bus.Publish(Event{Kind: EventTimelineComplete})
		}
	}
}

// sleep waits for d from baseline, respecting pause/cancel. Time spent
// paused does not count against the wait: the deadline is pushed forward
// by however long the pause lasted, so resuming continues the remainder of
// the budget rather than firing instantly. It returns false if the
// scheduler was stopped during the wait.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration, baseline time.Time) bool {
	deadline := baseline.Add(d)
	for {
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()

		if paused {
			pauseStart := time.Now()
			select {
			case <-ctx.Done():
				return false
			case <-time.After(50 * time.Millisecond):
			}
			deadline = deadline.Add(time.Since(pauseStart))
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(remaining):
			return true
		}
	}
}

func (s *Scheduler) recordJitter(start time.Time, displayMs int64) {
	elapsed := time.Since(start)
	expected := time.Duration(displayMs) * time.Millisecond
	drift := float64(elapsed-expected) / float64(time.Millisecond)
	if drift < 0 {
		drift = -drift
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jitterSum += drift
	s.jitterTicks++
	if drift > s.jitterMax {
		s.jitterMax = drift
	}
}

// Jitter reports accumulated scheduling drift statistics.
func (s *Scheduler) Jitter() JitterStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := JitterStats{MaxMs: s.jitterMax, Ticks: s.jitterTicks}
	if s.jitterTicks > 0 {
		stats.MeanMs = s.jitterSum / float64(s.jitterTicks)
	}
	return stats
}

// Pause freezes the current item; no further events are emitted until
// Resume.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume continues playback of the current item's remaining display
// budget.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Stop cancels any running loop and clears internal state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.items = nil
	s.index = 0
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}
