// Package cacheindex optionally mirrors the content cache's entry index
// into Redis as a device-keyed hash, so a fleet operator can query what
// any device currently has cached without reaching the device itself. It
// is a pure observability side-channel: the in-memory index inside
// internal/cache remains the single source of truth during playback.
package cacheindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/pkg/models"
)

// Options configures the Redis connection backing a Mirror.
type Options struct {
	Addr     string
	Password string
	DB       int
	DeviceID string
}

// Mirror publishes cache entry bookkeeping to a Redis hash keyed by
// mediaId, one hash per device.
type Mirror struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// New dials Redis and verifies connectivity before returning.
func New(opts Options, logger *zap.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to cache index Redis: %w", err)
	}

	return &Mirror{
		client: client,
		key:    fmt.Sprintf("cacheindex:%s", opts.DeviceID),
		logger: logger,
	}, nil
}

// Put upserts entry into the device's mirrored hash field mediaId.
func (m *Mirror) Put(ctx context.Context, entry models.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry for mirror: %w", err)
	}
	if err := m.client.HSet(ctx, m.key, entry.MediaID, data).Err(); err != nil {
		m.logger.Warn("cache index mirror write failed", zap.String("mediaId", entry.MediaID), zap.Error(err))
		return err
	}
	return nil
}

// Remove deletes mediaId's field from the mirrored hash, called on
// eviction or clear.
func (m *Mirror) Remove(ctx context.Context, mediaID string) error {
	if err := m.client.HDel(ctx, m.key, mediaID).Err(); err != nil {
		m.logger.Warn("cache index mirror delete failed", zap.String("mediaId", mediaID), zap.Error(err))
		return err
	}
	return nil
}

// List returns every mirrored entry for the device, for fleet-wide
// dashboards that want a point-in-time view without querying the device.
func (m *Mirror) List(ctx context.Context) ([]models.CacheEntry, error) {
	raw, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing mirrored cache entries: %w", err)
	}

	entries := make([]models.CacheEntry, 0, len(raw))
	for _, v := range raw {
		var entry models.CacheEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			m.logger.Warn("skipping corrupt mirrored cache entry", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close releases the underlying Redis client.
func (m *Mirror) Close() error {
	return m.client.Close()
}
