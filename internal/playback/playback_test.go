package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/proofofplay"
	"github.com/hexmonsignage/device-agent/internal/renderer"
	"github.com/hexmonsignage/device-agent/pkg/models"
)

type fakeMarker struct {
	mu      sync.Mutex
	marked  map[string]bool
	history []string
}

func newFakeMarker() *fakeMarker { return &fakeMarker{marked: map[string]bool{}} }

func (m *fakeMarker) MarkNowPlaying(mediaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[mediaID] = true
	m.history = append(m.history, "mark:"+mediaID)
}

func (m *fakeMarker) UnmarkNowPlaying(mediaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marked, mediaID)
	m.history = append(m.history, "unmark:"+mediaID)
}

func (m *fakeMarker) isMarked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marked[id]
}

type countingPOP struct {
	mu     sync.Mutex
	starts []proofofplay.Record
	ends   []proofofplay.Record
}

func (p *countingPOP) RecordStart(ctx context.Context, rec proofofplay.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, rec)
	return nil
}

func (p *countingPOP) RecordEnd(ctx context.Context, rec proofofplay.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ends = append(p.ends, rec)
	return nil
}

func (p *countingPOP) Close() error { return nil }

func (p *countingPOP) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.starts)
}

func (p *countingPOP) endCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ends)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEnginePlaysItemsAndRecordsProofOfPlay(t *testing.T) {
	sink := renderer.NewRecorder()
	pop := &countingPOP{}
	marker := newFakeMarker()
	engine := New(sink, pop, marker, zap.NewNop())

	playlist := models.PlaybackPlaylist{
		Mode:       models.ModeNormal,
		ScheduleID: "sched-1",
		Items: []models.TimelineItem{
			{ID: "item-a", MediaID: "media-a", DisplayMs: 60, TransitionDurationMs: 10},
		},
	}
	engine.HandlePlaylistUpdated(playlist)
	defer engine.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return sink.LastMediaChange != nil && sink.LastMediaChange.Item.ID == "item-a"
	})

	waitFor(t, 2*time.Second, func() bool { return marker.isMarked("media-a") })

	waitFor(t, 2*time.Second, func() bool { return pop.startCount() >= 1 })
}

func TestEngineUnmarksNowPlayingOnItemComplete(t *testing.T) {
	sink := renderer.NewRecorder()
	pop := &countingPOP{}
	marker := newFakeMarker()
	engine := New(sink, pop, marker, zap.NewNop())

	playlist := models.PlaybackPlaylist{
		Mode: models.ModeNormal,
		Items: []models.TimelineItem{
			{ID: "item-a", MediaID: "media-a", DisplayMs: 40},
			{ID: "item-b", MediaID: "media-b", DisplayMs: 1000},
		},
	}
	engine.HandlePlaylistUpdated(playlist)
	defer engine.Stop()

	waitFor(t, 2*time.Second, func() bool { return pop.endCount() >= 1 })
	if pop.startCount() < 1 {
		t.Fatal("expected a start record before the end record")
	}
	waitFor(t, time.Second, func() bool { return !marker.isMarked("media-a") })
}

func TestEngineEmitsTransitionUpdate(t *testing.T) {
	sink := renderer.NewRecorder()
	pop := &countingPOP{}
	marker := newFakeMarker()
	engine := New(sink, pop, marker, zap.NewNop())

	playlist := models.PlaybackPlaylist{
		Mode: models.ModeNormal,
		Items: []models.TimelineItem{
			{ID: "item-a", MediaID: "media-a", DisplayMs: 60, TransitionDurationMs: 20},
		},
	}
	engine.HandlePlaylistUpdated(playlist)
	defer engine.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return sink.LastUpdate != nil && sink.LastUpdate.Type == renderer.UpdateTransitionStart
	})
}

func TestRecordErrorShowsFallbackUntilBudgetExhausted(t *testing.T) {
	sink := renderer.NewRecorder()
	pop := &countingPOP{}
	marker := newFakeMarker()
	engine := New(sink, pop, marker, zap.NewNop())

	for i := 0; i < maxConsecutiveErrors-1; i++ {
		if err := engine.RecordError(); err != nil {
			t.Fatalf("unexpected error on attempt %d: %v", i, err)
		}
	}
	if sink.LastUpdate == nil || sink.LastUpdate.Type != renderer.UpdateShowFallback {
		t.Fatalf("expected show-fallback update, got %+v", sink.LastUpdate)
	}

	err := engine.RecordError()
	if err == nil {
		t.Fatal("expected PlaybackError on the fifth consecutive error")
	}
}

func TestHandlePlaylistUpdatedResetsErrorBudgetOnEmergency(t *testing.T) {
	sink := renderer.NewRecorder()
	pop := &countingPOP{}
	marker := newFakeMarker()
	engine := New(sink, pop, marker, zap.NewNop())

	for i := 0; i < maxConsecutiveErrors; i++ {
		engine.RecordError()
	}

	playlist := models.PlaybackPlaylist{
		Mode: models.ModeEmergency,
		Items: []models.TimelineItem{
			{ID: "evac", MediaID: "evac-media", DisplayMs: 30},
		},
	}
	engine.HandlePlaylistUpdated(playlist)
	defer engine.Stop()

	if engine.Mode() != models.ModeEmergency {
		t.Fatalf("expected emergency mode, got %s", engine.Mode())
	}

	if err := engine.RecordError(); err != nil {
		t.Fatalf("error budget should have reset after playlist update, got %v", err)
	}
}

func TestHandlePlaylistUpdatedWithNoItemsStopsPlayback(t *testing.T) {
	sink := renderer.NewRecorder()
	pop := &countingPOP{}
	marker := newFakeMarker()
	engine := New(sink, pop, marker, zap.NewNop())

	engine.HandlePlaylistUpdated(models.PlaybackPlaylist{Mode: models.ModeEmpty})
	defer engine.Stop()

	time.Sleep(100 * time.Millisecond)
	if sink.LastMediaChange != nil {
		t.Fatalf("expected no media change for empty playlist, got %+v", sink.LastMediaChange)
	}
}
