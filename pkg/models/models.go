// Package models defines the shared data shapes that flow between the
// device control-plane components: timeline items produced by the snapshot
// parser, the playlists built from them, cache bookkeeping, remote commands,
// and the composite status record exposed to the renderer.
package models

import "time"

// MediaType identifies how a TimelineItem should be rendered.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaPDF   MediaType = "pdf"
	MediaURL   MediaType = "url"
)

// Fit controls how a media item is scaled within the display area.
type Fit string

const (
	FitContain Fit = "contain"
	FitCover   Fit = "cover"
	FitStretch Fit = "stretch"
)

// DefaultDisplayMs is substituted whenever a backend payload omits
// display_ms or sends zero.
const DefaultDisplayMs = 10000

// TimelineItem is an immutable, fully-normalized unit of playback produced
// by the snapshot parser. Once constructed it is never mutated; a changed
// schedule produces a new slice of items rather than patching these in place.
type TimelineItem struct {
	ID                   string            `json:"id"`
	MediaID              string            `json:"mediaId,omitempty"`
	Type                 MediaType         `json:"type"`
	RemoteURL            string            `json:"remoteUrl,omitempty"`
	LocalPath            string            `json:"localPath,omitempty"`
	LocalURL             string            `json:"localUrl,omitempty"`
	DisplayMs            int64             `json:"displayMs"`
	Fit                  Fit               `json:"fit"`
	Muted                bool              `json:"muted"`
	SHA256               string            `json:"sha256,omitempty"`
	TransitionDurationMs int64             `json:"transitionDurationMs"`
	Meta                 map[string]string `json:"meta,omitempty"`
}

// HasMedia reports whether this item refers to a cacheable media object
// (as opposed to a pure URL-type item with no mediaId).
func (t TimelineItem) HasMedia() bool {
	return t.MediaID != "" && t.RemoteURL != ""
}

// NormalizedSnapshot is the snapshot parser's output: a backend snapshot reduced
// to the shape the rest of the system understands.
type NormalizedSnapshot struct {
	SnapshotID    string                 `json:"snapshotId,omitempty"`
	ScheduleID    string                 `json:"scheduleId,omitempty"`
	Items         []TimelineItem         `json:"items"`
	EmergencyItem *TimelineItem          `json:"emergencyItem,omitempty"`
	DefaultItem   *TimelineItem          `json:"defaultItem,omitempty"`
	MediaURLMap   map[string]string      `json:"mediaUrlMap,omitempty"`
	FetchedAt     time.Time              `json:"fetchedAt"`
	Raw           map[string]interface{} `json:"raw,omitempty"`
}

// PlaylistMode is the derived mode of a PlaybackPlaylist, in strict
// precedence order: emergency > normal > default > offline > empty.
type PlaylistMode string

const (
	ModeEmergency PlaylistMode = "emergency"
	ModeNormal    PlaylistMode = "normal"
	ModeDefault   PlaylistMode = "default"
	ModeOffline   PlaylistMode = "offline"
	ModeEmpty     PlaylistMode = "empty"
)

// PlaybackPlaylist is what the snapshot manager emits and the playback
// engine consumes. Items have already been filtered down to those whose
// media is present in the local cache.
type PlaybackPlaylist struct {
	Mode           PlaylistMode   `json:"mode"`
	Items          []TimelineItem `json:"items"`
	ScheduleID     string         `json:"scheduleId,omitempty"`
	SnapshotID     string         `json:"snapshotId,omitempty"`
	LastSnapshotAt *time.Time     `json:"lastSnapshotAt,omitempty"`
}

// CacheEntryStatus marks whether a cache entry is safe to serve.
type CacheEntryStatus string

const (
	CacheReady       CacheEntryStatus = "ready"
	CacheQuarantined CacheEntryStatus = "quarantined"
)

// CacheEntry describes one object held by the content cache.
type CacheEntry struct {
	MediaID    string           `json:"mediaId"`
	SHA256     string           `json:"sha256,omitempty"`
	Size       int64            `json:"size"`
	LastUsedAt time.Time        `json:"lastUsedAt"`
	LocalPath  string           `json:"localPath"`
	Status     CacheEntryStatus `json:"status"`
}

// CommandType enumerates the remote commands the command processor
// understands.
type CommandType string

const (
	CommandReboot          CommandType = "REBOOT"
	CommandRefreshSchedule CommandType = "REFRESH_SCHEDULE"
	CommandScreenshot      CommandType = "SCREENSHOT"
	CommandTestPattern     CommandType = "TEST_PATTERN"
	CommandClearCache      CommandType = "CLEAR_CACHE"
	CommandPing            CommandType = "PING"
)

// Command is a single remote command instance as delivered by the backend.
type Command struct {
	ID     string                 `json:"id"`
	Type   CommandType            `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// CommandResult records the outcome of processing one Command, kept in the
// bounded history the processor maintains.
type CommandResult struct {
	CommandID   string                 `json:"commandId"`
	Type        CommandType            `json:"type"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	ProcessedAt time.Time              `json:"processedAt"`
}

// PlayerState is the top-level device state machine's current node.
type PlayerState string

const (
	StateBoot                 PlayerState = "BOOT"
	StateNeedPairing          PlayerState = "NEED_PAIRING"
	StatePairingRequested     PlayerState = "PAIRING_REQUESTED"
	StateWaitingConfirmation  PlayerState = "WAITING_CONFIRMATION"
	StateCertIssued           PlayerState = "CERT_ISSUED"
	StatePlaybackRunning      PlayerState = "PLAYBACK_RUNNING"
	StateOfflineFallback      PlayerState = "OFFLINE_FALLBACK"
)

// PlayerStatus is the composite status record exposed to the renderer and
// served over the local diagnostics HTTP API.
type PlayerStatus struct {
	State          PlayerState  `json:"state"`
	Mode           PlaylistMode `json:"mode"`
	Online         bool         `json:"online"`
	DeviceID       string       `json:"deviceId"`
	ScheduleID     string       `json:"scheduleId,omitempty"`
	LastSnapshotAt *time.Time   `json:"lastSnapshotAt,omitempty"`
	CurrentMediaID string       `json:"currentMediaId,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// DefaultMedia is the CMS-level fallback media item polled by the
// default-media service.
type DefaultMedia struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	MediaURL           string `json:"media_url"`
	SourceContentType  string `json:"source_content_type,omitempty"`
}

// DefaultMediaState is the normalized shape persisted to default-media.json.
type DefaultMediaState struct {
	MediaID string       `json:"media_id"`
	Media   DefaultMedia `json:"media"`
}

// Equal reports whether two DefaultMediaState values are identical across
// the fields that matter for change detection.
func (d DefaultMediaState) Equal(other DefaultMediaState) bool {
	return d.MediaID == other.MediaID &&
		d.Media.ID == other.Media.ID &&
		d.Media.MediaURL == other.Media.MediaURL &&
		d.Media.Type == other.Media.Type &&
		d.Media.Name == other.Media.Name &&
		d.Media.SourceContentType == other.Media.SourceContentType
}
