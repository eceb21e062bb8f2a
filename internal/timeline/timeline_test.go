package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hexmonsignage/device-agent/pkg/models"
)

func collectEvents(t *testing.T, ch <-chan Event, n int, timeout time.Duration) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case e := <-ch:
			events = append(events, e)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(events))
		}
	}
	return events
}

func TestSchedulerEmitsPlayTransitionComplete(t *testing.T) {
	sched := New()
	sub := sched.Events()

	items := []models.TimelineItem{
		{ID: "a", DisplayMs: 60, TransitionDurationMs: 20},
	}
	sched.Start(items)
	defer sched.Stop()

	events := collectEvents(t, sub, 3, 2*time.Second)
	require.Equal(t, EventPlayItem, events[0].Kind)
	require.Equal(t, EventTransitionStart, events[1].Kind)
	require.Equal(t, EventItemComplete, events[2].Kind)
}

func TestSchedulerLoopsAndEmitsTimelineComplete(t *testing.T) {
	sched := New()
	sub := sched.Events()

	items := []models.TimelineItem{
		{ID: "a", DisplayMs: 30},
		{ID: "b", DisplayMs: 30},
	}
	sched.Start(items)
	defer sched.Stop()

	var sawTimelineComplete bool
	deadline := time.After(3 * time.Second)
	for i := 0; i < 20 && !sawTimelineComplete; i++ {
		select {
		case e := <-sub:
			if e.Kind == EventTimelineComplete {
				sawTimelineComplete = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for timeline-complete")
		}
	}
	require.True(t, sawTimelineComplete)
}

func TestSchedulerPauseStopsEventsUntilResume(t *testing.T) {
	sched := New()
	sub := sched.Events()

	items := []models.TimelineItem{{ID: "a", DisplayMs: 1000}}
	sched.Start(items)
	defer sched.Stop()

	collectEvents(t, sub, 1, time.Second) // play-item
	sched.Pause()

	select {
	case e := <-sub:
		t.Fatalf("expected no events while paused, got %+v", e)
	case <-time.After(300 * time.Millisecond):
	}

	sched.Resume()
	collectEvents(t, sub, 1, 2*time.Second) // transition-start or item-complete eventually
}

func TestSchedulerStopCancelsLoop(t *testing.T) {
	sched := New()
	items := []models.TimelineItem{{ID: "a", DisplayMs: 50}}
	sched.Start(items)

	sched.Stop()
	// Stop should be idempotent and return promptly.
	sched.Stop()
}

func TestSchedulerZeroTransitionSkipsTransitionEvent(t *testing.T) {
	sched := New()
	sub := sched.Events()

	items := []models.TimelineItem{{ID: "a", DisplayMs: 40, TransitionDurationMs: 0}}
	sched.Start(items)
	defer sched.Stop()

	events := collectEvents(t, sub, 2, 2*time.Second)
	require.Equal(t, EventPlayItem, events[0].Kind)
	require.Equal(t, EventItemComplete, events[1].Kind)
}

func TestJitterStatsAccumulate(t *testing.T) {
	sched := New()
	sub := sched.Events()
	items := []models.TimelineItem{{ID: "a", DisplayMs: 30}}
	sched.Start(items)
	defer sched.Stop()

	collectEvents(t, sub, 2, 2*time.Second)
	stats := sched.Jitter()
	require.GreaterOrEqual(t, stats.Ticks, 1)
}

func TestStartWithEmptyItemsIsNoop(t *testing.T) {
	sched := New()
	sub := sched.Events()
	sched.Start(nil)
	defer sched.Stop()

	select {
	case e := <-sub:
		t.Fatalf("expected no events for empty playlist, got %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}
