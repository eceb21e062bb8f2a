package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/errs"
	"github.com/hexmonsignage/device-agent/internal/events"
	"github.com/hexmonsignage/device-agent/pkg/models"
)

const lastSnapshotFileName = "last-snapshot.json"

// Fetcher is the subset of httpclient.Client the manager needs.
type Fetcher interface {
	Get(ctx context.Context, path string, out interface{}) error
}

// CacheAdder is the subset of cache.Cache the manager drives.
type CacheAdder interface {
	Add(ctx context.Context, item models.TimelineItem) error
	Has(mediaID string) bool
	Get(mediaID string) (string, bool)
}

// Manager owns the periodic snapshot poll loop: fetch, parse, cache
// referenced media, and assemble a PlaybackPlaylist.
type Manager struct {
	client   Fetcher
	cache    CacheAdder
	cacheDir string
	deviceID string
	logger   *zap.Logger

	mu           sync.Mutex
	lastSnapshot *models.NormalizedSnapshot
	paired       bool

	playlistBus *events.Bus[models.PlaybackPlaylist]
}

// NewManager constructs a Manager. cacheDir is where last-snapshot.json is
// persisted (typically the same root as the content cache).
func NewManager(client Fetcher, cache CacheAdder, cacheDir, deviceID string, logger *zap.Logger) *Manager {
	return &Manager{
		client:      client,
		cache:       cache,
		cacheDir:    cacheDir,
		deviceID:    deviceID,
		logger:      logger,
		playlistBus: events.NewBus[models.PlaybackPlaylist](4),
	}
}

// Playlists returns a subscription to playlist-updated events.
func (m *Manager) Playlists() <-chan models.PlaybackPlaylist {
	return m.playlistBus.Subscribe()
}

// SetPaired flips whether the device is considered paired; an unpaired
// device's poll cycle is a no-op.
func (m *Manager) SetPaired(paired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paired = paired
}

// LoadPersisted restores the last successfully parsed snapshot from disk,
// called once at startup so playback can resume offline before any network
// call succeeds.
func (m *Manager) LoadPersisted() error {
	path := filepath.Join(m.cacheDir, lastSnapshotFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading last-snapshot.json: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		m.logger.Warn("last-snapshot.json corrupt, ignoring", zap.Error(err))
		return nil
	}
	snap, err := ParseSnapshotResponse(raw)
	if err != nil {
		m.logger.Warn("last-snapshot.json failed to parse, ignoring", zap.Error(err))
		return nil
	}

	m.mu.Lock()
	m.lastSnapshot = snap
	m.mu.Unlock()
	return nil
}

func (m *Manager) persistRaw(raw map[string]interface{}) error {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding last-snapshot.json: %w", err)
	}
	path := filepath.Join(m.cacheDir, lastSnapshotFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing last-snapshot.json: %w", err)
	}
	return os.Rename(tmp, path)
}

// Poll runs one snapshot cycle: fetch, parse, prefetch media, build and
// publish the playlist. It never returns an error for ordinary
// unreachability; it degrades to an offline/empty playlist instead.
func (m *Manager) Poll(ctx context.Context) {
	m.mu.Lock()
	paired := m.paired
	m.mu.Unlock()
	if !paired {
		return
	}

	path := fmt.Sprintf("/api/v1/device/%s/snapshot?include_urls=true", m.deviceID)

	var raw map[string]interface{}
	err := m.client.Get(ctx, path, &raw)
	if err != nil {
		m.handleFetchFailure(err)
		return
	}

	snap, parseErr := ParseSnapshotResponse(raw)
	if parseErr != nil {
		m.logger.Warn("snapshot parse failed, falling back to last known good", zap.Error(parseErr))
		m.emitFallback()
		return
	}

	if err := m.persistRaw(raw); err != nil {
		m.logger.Warn("failed to persist last-snapshot.json", zap.Error(err))
	}

	m.mu.Lock()
	m.lastSnapshot = snap
	m.mu.Unlock()

	playlist := m.cacheAndBuild(ctx, snap, false)
	m.playlistBus.Publish(playlist)
}

func (m *Manager) handleFetchFailure(err error) {
	var notFound *errs.NotFoundError
	if errors.As(err, &notFound) {
		m.logger.Info("snapshot not published, falling back to offline mode")
	} else {
		m.logger.Warn("snapshot fetch failed, falling back to offline mode", zap.Error(err))
	}
	m.emitFallback()
}

// emitFallback replays the last known good snapshot from the cache in
// offline mode. An emergency item in the cached snapshot still takes
// precedence; offline never silences an evacuation notice.
func (m *Manager) emitFallback() {
	m.mu.Lock()
	last := m.lastSnapshot
	m.mu.Unlock()

	if last == nil {
		m.playlistBus.Publish(models.PlaybackPlaylist{Mode: models.ModeEmpty})
		return
	}

	mode := models.ModeOffline
	if last.EmergencyItem != nil {
		mode = models.ModeEmergency
	}
	m.playlistBus.Publish(buildPlaylist(last, m.cache, mode))
}

// cacheAndBuild pushes every referenced media item into the cache, then
// builds the playlist from whatever ended up cached. A download failing
// with URL_EXPIRED triggers exactly one snapshot refetch; a second expiry
// in the same cycle is treated as an ordinary failure.
func (m *Manager) cacheAndBuild(ctx context.Context, snap *models.NormalizedSnapshot, isRetry bool) models.PlaybackPlaylist {
	all := make([]models.TimelineItem, 0, len(snap.Items)+2)
	all = append(all, snap.Items...)
	if snap.EmergencyItem != nil {
		all = append(all, *snap.EmergencyItem)
	}
	if snap.DefaultItem != nil {
		all = append(all, *snap.DefaultItem)
	}

	for _, item := range all {
		if !item.HasMedia() || m.cache.Has(item.MediaID) {
			continue
		}
		if err := m.cache.Add(ctx, item); err != nil {
			if errs.IsURLExpired(err) && !isRetry {
				m.logger.Info("signed URL expired while prefetching, refetching snapshot once")
				m.refetchOnce(ctx)
				return m.cacheAndBuildFromLast(ctx)
			}
			m.logger.Warn("failed to cache media item", zap.String("mediaId", item.MediaID), zap.Error(err))
		}
	}

	mode := deriveMode(snap, models.ModeEmpty)
	return buildPlaylist(snap, m.cache, mode)
}

func (m *Manager) refetchOnce(ctx context.Context) {
	path := fmt.Sprintf("/api/v1/device/%s/snapshot?include_urls=true", m.deviceID)
	var raw map[string]interface{}
	if err := m.client.Get(ctx, path, &raw); err != nil {
		m.logger.Warn("snapshot refetch after URL_EXPIRED failed", zap.Error(err))
		return
	}
	snap, err := ParseSnapshotResponse(raw)
	if err != nil {
		m.logger.Warn("snapshot refetch parse failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.lastSnapshot = snap
	m.mu.Unlock()
}

func (m *Manager) cacheAndBuildFromLast(ctx context.Context) models.PlaybackPlaylist {
	m.mu.Lock()
	snap := m.lastSnapshot
	m.mu.Unlock()
	if snap == nil {
		return models.PlaybackPlaylist{Mode: models.ModeEmpty}
	}
	return m.cacheAndBuild(ctx, snap, true)
}

// deriveMode applies the strict mode precedence:
// emergency > normal (non-empty items) > default > fallback.
func deriveMode(snap *models.NormalizedSnapshot, fallback models.PlaylistMode) models.PlaylistMode {
	if snap.EmergencyItem != nil {
		return models.ModeEmergency
	}
	if len(snap.Items) > 0 {
		return models.ModeNormal
	}
	if snap.DefaultItem != nil {
		return models.ModeDefault
	}
	return fallback
}

// buildPlaylist attaches local cache paths and drops any item whose media
// is not actually present in the cache.
func buildPlaylist(snap *models.NormalizedSnapshot, cache CacheAdder, mode models.PlaylistMode) models.PlaybackPlaylist {
	now := time.Now()
	playlist := models.PlaybackPlaylist{
		Mode:           mode,
		ScheduleID:     snap.ScheduleID,
		SnapshotID:     snap.SnapshotID,
		LastSnapshotAt: &now,
	}

	switch mode {
	case models.ModeEmergency:
		if item := attachLocalMedia(*snap.EmergencyItem, cache); item != nil {
			playlist.Items = []models.TimelineItem{*item}
		}
	case models.ModeNormal:
		playlist.Items = attachAll(snap.Items, cache)
	case models.ModeDefault:
		if item := attachLocalMedia(*snap.DefaultItem, cache); item != nil {
			playlist.Items = []models.TimelineItem{*item}
		}
	case models.ModeOffline:
		playlist.Items = attachAll(snap.Items, cache)
		if len(playlist.Items) == 0 && snap.DefaultItem != nil {
			if item := attachLocalMedia(*snap.DefaultItem, cache); item != nil {
				playlist.Items = []models.TimelineItem{*item}
			}
		}
	}
	return playlist
}

// attachLocalMedia resolves mediaID to a cached local path; items with no
// cacheable media (pure URL-type items) pass through unchanged.
func attachLocalMedia(item models.TimelineItem, cache CacheAdder) *models.TimelineItem {
	if !item.HasMedia() {
		return &item
	}
	localPath, ok := cache.Get(item.MediaID)
	if !ok {
		return nil
	}
	item.LocalPath = localPath
	return &item
}

func attachAll(items []models.TimelineItem, cache CacheAdder) []models.TimelineItem {
	out := make([]models.TimelineItem, 0, len(items))
	for _, item := range items {
		if resolved := attachLocalMedia(item, cache); resolved != nil {
			out = append(out, *resolved)
		}
	}
	return out
}

// Run drives Poll on a fixed interval until ctx is canceled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	m.Poll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}
