// Package cache implements the bounded, integrity-checked content cache
// that holds downloaded media on local disk keyed by media ID. Objects
// are stored under sha256-sharded paths and finalized with an atomic
// create-then-rename write; a JSON index maps media IDs to entries so the
// rest of the runtime can query by ID.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/errs"
	"github.com/hexmonsignage/device-agent/pkg/models"
)

// Downloader fetches remote media into w, returning the byte count written.
// internal/httpclient.Client.Download satisfies this.
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer) (int64, error)
}

const indexFileName = "index.json"

// Reporter receives cache membership changes, used to mirror the index to
// an external store. Implementations must tolerate errors internally;
// returned errors are logged and ignored.
type Reporter interface {
	Put(ctx context.Context, entry models.CacheEntry) error
	Remove(ctx context.Context, mediaID string) error
}

// Cache is a disk-backed, size-bounded store of media objects. All methods
// are safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	dir        string
	maxBytes   int64
	downloader Downloader
	logger     *zap.Logger

	entries    map[string]models.CacheEntry
	nowPlaying map[string]bool

	inflight map[string]*flightGroup

	reporter Reporter
}

type flightGroup struct {
	wg  sync.WaitGroup
	err error
}

// New opens (or initializes) a cache rooted at dir, enforcing maxBytes total
// size across all entries.
func New(dir string, maxBytes int64, downloader Downloader, logger *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	c := &Cache{
		dir:        dir,
		maxBytes:   maxBytes,
		downloader: downloader,
		logger:     logger,
		entries:    make(map[string]models.CacheEntry),
		nowPlaying: make(map[string]bool),
		inflight:   make(map[string]*flightGroup),
	}

	if err := c.loadIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetReporter attaches an index mirror. Must be called before the cache is
// shared across goroutines.
func (c *Cache) SetReporter(r Reporter) {
	c.reporter = r
}

func (c *Cache) reportPut(entry models.CacheEntry) {
	if c.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.reporter.Put(ctx, entry); err != nil {
		c.logger.Warn("cache index mirror put failed", zap.String("mediaId", entry.MediaID), zap.Error(err))
	}
}

func (c *Cache) reportRemove(mediaID string) {
	if c.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.reporter.Remove(ctx, mediaID); err != nil {
		c.logger.Warn("cache index mirror remove failed", zap.String("mediaId", mediaID), zap.Error(err))
	}
}

func (c *Cache) indexPath() string { return filepath.Join(c.dir, indexFileName) }

func (c *Cache) loadIndex() error {
	data, err := os.ReadFile(c.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading cache index: %w", err)
	}

	var entries []models.CacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		c.logger.Warn("cache index corrupt, starting fresh", zap.Error(err))
		return nil
	}
	for _, e := range entries {
		if _, err := os.Stat(e.LocalPath); err == nil {
			c.entries[e.MediaID] = e
		}
	}
	return nil
}

// persistIndexLocked must be called with c.mu held.
func (c *Cache) persistIndexLocked() error {
	entries := make([]models.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].MediaID < entries[j].MediaID })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache index: %w", err)
	}

	tmp := c.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing cache index: %w", err)
	}
	return os.Rename(tmp, c.indexPath())
}

func shardedPath(dir, sha256Hex string) string {
	return filepath.Join(dir, sha256Hex[:2], sha256Hex)
}

// Has reports whether mediaID is present and ready to serve. A hit counts
// as use for eviction ordering.
func (c *Cache) Has(mediaID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mediaID]
	if !ok || e.Status != models.CacheReady {
		return false
	}
	e.LastUsedAt = time.Now()
	c.entries[mediaID] = e
	return true
}

// Get returns the local filesystem path for a cached, ready media object.
func (c *Cache) Get(mediaID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mediaID]
	if !ok || e.Status != models.CacheReady {
		return "", false
	}
	e.LastUsedAt = time.Now()
	c.entries[mediaID] = e
	return e.LocalPath, true
}

// Add downloads item's remote media (if not already cached), verifies its
// sha256 against item.SHA256 (when provided), and registers it in the
// index. Concurrent calls for the same mediaID are deduplicated through an
// in-process single-flight group so the bytes are fetched once.
func (c *Cache) Add(ctx context.Context, item models.TimelineItem) error {
	if !item.HasMedia() {
		return nil
	}

	c.mu.Lock()
	if e, ok := c.entries[item.MediaID]; ok && e.Status == models.CacheReady {
		c.mu.Unlock()
		return nil
	}
	if group, inProgress := c.inflight[item.MediaID]; inProgress {
		c.mu.Unlock()
		group.wg.Wait()
		return group.err
	}
	group := &flightGroup{}
	group.wg.Add(1)
	c.inflight[item.MediaID] = group
	c.mu.Unlock()

	err := c.download(ctx, item)

	c.mu.Lock()
	delete(c.inflight, item.MediaID)
	c.mu.Unlock()

	group.err = err
	group.wg.Done()
	return err
}

func (c *Cache) download(ctx context.Context, item models.TimelineItem) error {
	tmpFile, err := os.CreateTemp(c.dir, "download-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp download file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	writer := io.MultiWriter(tmpFile, hasher)

	size, err := c.downloader.Download(ctx, item.RemoteURL, writer)
	tmpFile.Close()
	if err != nil {
		var authErr *errs.AuthError
		if errors.As(err, &authErr) {
			return errs.AsURLExpired(fmt.Sprintf("download %s", item.MediaID), authErr.Status)
		}
		return fmt.Errorf("downloading media %s: %w", item.MediaID, err)
	}

	actualSum := hex.EncodeToString(hasher.Sum(nil))
	if item.SHA256 != "" && actualSum != item.SHA256 {
		return &errs.IntegrityMismatch{MediaID: item.MediaID, Expected: item.SHA256, Actual: actualSum}
	}

	if err := c.reserve(item.MediaID, size); err != nil {
		return err
	}

	finalPath := shardedPath(c.dir, actualSum)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("finalizing cached media %s: %w", item.MediaID, err)
	}

	entry := models.CacheEntry{
		MediaID:    item.MediaID,
		SHA256:     actualSum,
		Size:       size,
		LastUsedAt: time.Now(),
		LocalPath:  finalPath,
		Status:     models.CacheReady,
	}

	c.mu.Lock()
	c.entries[item.MediaID] = entry
	persistErr := c.persistIndexLocked()
	c.mu.Unlock()

	if persistErr != nil {
		c.logger.Warn("failed to persist cache index", zap.Error(persistErr))
	}
	c.reportPut(entry)
	return nil
}

// reserve evicts least-recently-used, non-now-playing entries until there
// is room for an additional requiredSize bytes, or returns CacheFull. An
// object larger than the whole cache is rejected up front rather than
// flushing every other entry first.
func (c *Cache) reserve(mediaID string, requiredSize int64) error {
	c.mu.Lock()
	var evicted []string
	defer func() {
		c.mu.Unlock()
		for _, id := range evicted {
			c.reportRemove(id)
		}
	}()

	if requiredSize > c.maxBytes {
		return &errs.CacheFull{MediaID: mediaID, RequiredSize: requiredSize, MaxBytes: c.maxBytes}
	}

	for c.totalSizeLocked()+requiredSize > c.maxBytes {
		victim, ok := c.pickEvictionVictimLocked(mediaID)
		if !ok {
			return &errs.CacheFull{MediaID: mediaID, RequiredSize: requiredSize, MaxBytes: c.maxBytes}
		}
		c.evictLocked(victim)
		evicted = append(evicted, victim)
	}
	return nil
}

func (c *Cache) totalSizeLocked() int64 {
	var total int64
	for _, e := range c.entries {
		total += e.Size
	}
	return total
}

func (c *Cache) pickEvictionVictimLocked(excludeMediaID string) (string, bool) {
	var oldestID string
	var oldestTime time.Time
	found := false

	for id, e := range c.entries {
		if id == excludeMediaID || c.nowPlaying[id] {
			continue
		}
		if !found || e.LastUsedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = e.LastUsedAt
			found = true
		}
	}
	return oldestID, found
}

func (c *Cache) evictLocked(mediaID string) {
	e, ok := c.entries[mediaID]
	if !ok {
		return
	}
	if err := os.Remove(e.LocalPath); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove evicted cache file", zap.String("mediaId", mediaID), zap.Error(err))
	}
	delete(c.entries, mediaID)
	c.logger.Info("evicted cache entry", zap.String("mediaId", mediaID), zap.Int64("size", e.Size))
}

// Prefetch downloads every item in items concurrently, bounded by
// concurrency, stopping early on ctx cancellation. Errors are logged and
// skipped; the caller learns final cache membership via Has.
func (c *Cache) Prefetch(ctx context.Context, items []models.TimelineItem, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if !item.HasMedia() || c.Has(item.MediaID) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(it models.TimelineItem) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.Add(ctx, it); err != nil {
				c.logger.Warn("prefetch failed", zap.String("mediaId", it.MediaID), zap.Error(err))
			}
		}(item)
	}
	wg.Wait()
}

// MarkNowPlaying exempts mediaID from eviction while it is on screen.
func (c *Cache) MarkNowPlaying(mediaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowPlaying[mediaID] = true
}

// UnmarkNowPlaying removes mediaID's eviction exemption.
func (c *Cache) UnmarkNowPlaying(mediaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nowPlaying, mediaID)
}

// Clear removes cached objects, used by the CLEAR_CACHE remote command.
// When force is true every entry is removed regardless of now-playing
// status; otherwise now-playing entries are left in place.
func (c *Cache) Clear(force bool) error {
	c.mu.Lock()

	var removed []string
	remaining := make(map[string]models.CacheEntry)
	for id, e := range c.entries {
		if !force && c.nowPlaying[id] {
			remaining[id] = e
			continue
		}
		os.Remove(e.LocalPath)
		removed = append(removed, id)
	}
	c.entries = remaining
	if force {
		c.nowPlaying = make(map[string]bool)
	}
	err := c.persistIndexLocked()
	c.mu.Unlock()

	for _, id := range removed {
		c.reportRemove(id)
	}
	return err
}

// Stats reports current cache occupancy, used by the diagnostics API.
type Stats struct {
	EntryCount int   `json:"entryCount"`
	TotalBytes int64 `json:"totalBytes"`
	MaxBytes   int64 `json:"maxBytes"`
}

// Stats returns a snapshot of current cache occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		EntryCount: len(c.entries),
		TotalBytes: c.totalSizeLocked(),
		MaxBytes:   c.maxBytes,
	}
}
