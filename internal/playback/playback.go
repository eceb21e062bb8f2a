// Package playback implements the playback engine: it binds the timeline
// scheduler to a renderer sink and a proof-of-play sink, tracks the
// now-playing flag, and enforces an error budget that stops playback after
// five consecutive failures.
package playback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/errs"
	"github.com/hexmonsignage/device-agent/internal/proofofplay"
	"github.com/hexmonsignage/device-agent/internal/renderer"
	"github.com/hexmonsignage/device-agent/internal/timeline"
	"github.com/hexmonsignage/device-agent/pkg/models"
)

const maxConsecutiveErrors = 5

// NowPlayingMarker is the subset of cache.Cache the engine needs to exempt
// the on-screen item from eviction.
type NowPlayingMarker interface {
	MarkNowPlaying(mediaID string)
	UnmarkNowPlaying(mediaID string)
}

// Engine wraps a timeline.Scheduler and forwards its events to collaborator
// sinks, applying the error-budget and emergency-mode rules.
type Engine struct {
	scheduler *timeline.Scheduler
	sink      renderer.Sink
	pop       proofofplay.Sink
	cache     NowPlayingMarker
	logger    *zap.Logger

	mu             sync.Mutex
	scheduleID     string
	consecutiveErr int
	mode           models.PlaylistMode
	currentStart   time.Time
	currentMediaID string

	stopped chan struct{}
}

// New constructs an Engine. sink and pop must not be nil; use
// renderer.NewRecorder() / proofofplay.NopSink{} as no-op stand-ins.
func New(sink renderer.Sink, pop proofofplay.Sink, cache NowPlayingMarker, logger *zap.Logger) *Engine {
	e := &Engine{
		scheduler: timeline.New(),
		sink:      sink,
		pop:       pop,
		cache:     cache,
		logger:    logger,
	}
	return e
}

// HandlePlaylistUpdated stops any current playback and starts the new
// playlist. Every playlist change resets the error budget, so an
// emergency playlist always gets a fresh run.
func (e *Engine) HandlePlaylistUpdated(playlist models.PlaybackPlaylist) {
	e.Stop()

	e.mu.Lock()
	e.scheduleID = playlist.ScheduleID
	e.mode = playlist.Mode
	e.consecutiveErr = 0
	e.mu.Unlock()

	if len(playlist.Items) == 0 {
		return
	}

	e.start(playlist.Items)
}

func (e *Engine) start(items []models.TimelineItem) {
	e.stopped = make(chan struct{})
	sub := e.scheduler.Events()
	e.scheduler.Start(items)

	go e.forward(sub)
}

func (e *Engine) forward(sub <-chan timeline.Event) {
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			e.handleEvent(evt)
		case <-e.stopped:
			return
		}
	}
}

func (e *Engine) handleEvent(evt timeline.Event) {
	switch evt.Kind {
	case timeline.EventPlayItem:
		e.onPlayItem(evt)
	case timeline.EventTransitionStart:
		e.sink.PlaybackUpdate(renderer.PlaybackUpdate{Type: renderer.UpdateTransitionStart, DurationMs: evt.DurationMs})
	case timeline.EventItemComplete:
		e.onItemComplete(evt)
	case timeline.EventTimelineComplete:
		// No renderer-visible effect; the scheduler simply loops.
	}
}

func (e *Engine) onPlayItem(evt timeline.Event) {
	defer e.recoverFromPanic()

	e.mu.Lock()
	e.currentStart = time.Now()
	e.currentMediaID = evt.Item.MediaID
	e.mu.Unlock()

	if evt.Item.MediaID != "" {
		e.cache.MarkNowPlaying(evt.Item.MediaID)
	}

	e.mu.Lock()
	scheduleID := e.scheduleID
	e.mu.Unlock()

	if err := e.pop.RecordStart(context.Background(), proofofplay.Record{
		MediaID:    evt.Item.MediaID,
		ItemID:     evt.Item.ID,
		ScheduleID: scheduleID,
		PlayedAt:   time.Now(),
	}); err != nil {
		e.logger.Warn("proof-of-play record start failed", zap.Error(err))
	}

	e.sink.MediaChange(renderer.MediaChange{Item: evt.Item, ScheduledItem: evt.NextItem})
	e.resetErrorBudget()
}

func (e *Engine) onItemComplete(evt timeline.Event) {
	if evt.Item.MediaID != "" {
		e.cache.UnmarkNowPlaying(evt.Item.MediaID)
	}

	e.mu.Lock()
	scheduleID := e.scheduleID
	started := e.currentStart
	e.mu.Unlock()

	duration := time.Since(started)
	if err := e.pop.RecordEnd(context.Background(), proofofplay.Record{
		MediaID:    evt.Item.MediaID,
		ItemID:     evt.Item.ID,
		ScheduleID: scheduleID,
		PlayedAt:   time.Now(),
		DurationMs: duration.Milliseconds(),
	}); err != nil {
		e.logger.Warn("proof-of-play record end failed", zap.Error(err))
	}
}

// RecordError increments the consecutive-error counter. The fifth
// consecutive error exhausts the budget: playback stops and a
// PlaybackError is returned. The renderer is shown a fallback slide for
// every error before that point.
func (e *Engine) RecordError() error {
	e.mu.Lock()
	e.consecutiveErr++
	count := e.consecutiveErr
	e.mu.Unlock()

	if count >= maxConsecutiveErrors {
		e.Stop()
		return &errs.PlaybackError{Reason: "Max errors reached"}
	}

	e.sink.PlaybackUpdate(renderer.PlaybackUpdate{Type: renderer.UpdateShowFallback})
	return nil
}

func (e *Engine) resetErrorBudget() {
	e.mu.Lock()
	e.consecutiveErr = 0
	e.mu.Unlock()
}

func (e *Engine) recoverFromPanic() {
	if r := recover(); r != nil {
		e.logger.Error("recovered from panic handling playback event", zap.Any("panic", r))
		e.RecordError()
	}
}

// Stop halts the scheduler and forwarding goroutine.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	if e.stopped != nil {
		close(e.stopped)
		e.stopped = nil
	}
}

// Mode reports the engine's current playlist mode.
func (e *Engine) Mode() models.PlaylistMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// CurrentMediaID reports the media ID currently on screen, if any.
func (e *Engine) CurrentMediaID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentMediaID
}
