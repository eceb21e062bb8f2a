// Package renderer defines the sink interface the playback engine talks
// to. Actual pixel rendering lives in a separate display process; this
// package only specifies the contract and a local stub implementation
// useful for the diagnostics API and tests.
package renderer

import "github.com/hexmonsignage/device-agent/pkg/models"

// MediaChange is sent whenever the displayed item changes.
type MediaChange struct {
	Item          models.TimelineItem
	ScheduledItem *models.TimelineItem
}

// PlaybackUpdateType enumerates playback-update message kinds.
type PlaybackUpdateType string

const (
	UpdateTransitionStart PlaybackUpdateType = "transition-start"
	UpdateShowFallback    PlaybackUpdateType = "show-fallback"
	UpdateTestPattern     PlaybackUpdateType = "test-pattern"
)

// PlaybackUpdate is sent for transitions and transient error recovery.
type PlaybackUpdate struct {
	Type       PlaybackUpdateType
	DurationMs int64
}

// DefaultMediaChanged is sent when the CMS-level fallback media changes.
type DefaultMediaChanged struct {
	MediaID string
	Media   models.DefaultMedia
}

// Sink is what the playback engine and player flow emit to. Implementations
// must never block the caller for long; a bounded buffer or drop-oldest
// policy is expected internally.
type Sink interface {
	MediaChange(change MediaChange)
	PlaybackUpdate(update PlaybackUpdate)
	PlayerStatus(status models.PlayerStatus)
	DefaultMediaChanged(change DefaultMediaChanged)
}

// Recorder captures the last message of each kind sent to it, useful for
// tests and as a degenerate local stand-in when no real renderer process is
// attached.
type Recorder struct {
	LastMediaChange  *MediaChange
	LastUpdate       *PlaybackUpdate
	LastStatus       *models.PlayerStatus
	LastDefaultMedia *DefaultMediaChanged
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) MediaChange(change MediaChange)             { c := change; r.LastMediaChange = &c }
func (r *Recorder) PlaybackUpdate(update PlaybackUpdate)       { u := update; r.LastUpdate = &u }
func (r *Recorder) PlayerStatus(status models.PlayerStatus)    { s := status; r.LastStatus = &s }
func (r *Recorder) DefaultMediaChanged(change DefaultMediaChanged) {
	c := change
	r.LastDefaultMedia = &c
}
