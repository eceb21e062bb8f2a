// Package defaultmedia implements the default-media service: an
// independent poller that fetches the CMS-level fallback media, normalizes
// it, detects changes, and persists the latest value atomically so it is
// available instantly after a cold restart.
package defaultmedia

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/events"
	"github.com/hexmonsignage/device-agent/pkg/models"
)

const stateFileName = "default-media.json"

// Fetcher is the subset of httpclient.Client the service needs.
type Fetcher interface {
	Get(ctx context.Context, path string, out interface{}) error
}

// Service polls for the CMS-level default media and republishes it whenever
// it changes.
type Service struct {
	client   Fetcher
	cacheDir string
	logger   *zap.Logger

	mu      sync.Mutex
	current *models.DefaultMediaState
	refresh *refreshGroup

	bus *events.Bus[models.DefaultMediaState]
}

type refreshGroup struct {
	wg     sync.WaitGroup
	result models.DefaultMediaState
	err    error
}

// NewService constructs a Service. cacheDir is where default-media.json is
// persisted.
func NewService(client Fetcher, cacheDir string, logger *zap.Logger) *Service {
	return &Service{
		client:   client,
		cacheDir: cacheDir,
		logger:   logger,
		bus:      events.NewBus[models.DefaultMediaState](4),
	}
}

// Changes returns a subscription to default-media change notifications.
func (s *Service) Changes() <-chan models.DefaultMediaState {
	return s.bus.Subscribe()
}

// LoadPersisted restores the last known default media from disk.
func (s *Service) LoadPersisted() error {
	path := filepath.Join(s.cacheDir, stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var state models.DefaultMediaState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = &state
	s.mu.Unlock()
	return nil
}

// Current returns the last known default-media state, if any.
func (s *Service) Current() (models.DefaultMediaState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return models.DefaultMediaState{}, false
	}
	return *s.current, true
}

// Refresh fetches the current default media, persists it if it changed,
// and publishes a change notification. Concurrent calls collapse onto a
// single in-flight fetch and share its result.
func (s *Service) Refresh(ctx context.Context) (models.DefaultMediaState, error) {
	s.mu.Lock()
	if s.refresh != nil {
		group := s.refresh
		s.mu.Unlock()
		group.wg.Wait()
		return group.result, group.err
	}
	group := &refreshGroup{}
	group.wg.Add(1)
	s.refresh = group
	s.mu.Unlock()

	state, err := s.fetchAndApply(ctx)
	group.result, group.err = state, err
	group.wg.Done()

	s.mu.Lock()
	s.refresh = nil
	s.mu.Unlock()

	return state, err
}

func (s *Service) fetchAndApply(ctx context.Context) (models.DefaultMediaState, error) {
	var raw struct {
		MediaID string              `json:"media_id"`
		Media   models.DefaultMedia `json:"media"`
	}
	if err := s.client.Get(ctx, "/api/v1/settings/default-media", &raw); err != nil {
		return models.DefaultMediaState{}, err
	}

	next := models.DefaultMediaState{MediaID: raw.MediaID, Media: raw.Media}

	s.mu.Lock()
	prev := s.current
	changed := prev == nil || !prev.Equal(next)
	s.current = &next
	s.mu.Unlock()

	if changed {
		if err := s.persist(next); err != nil {
			s.logger.Warn("failed to persist default-media state", zap.Error(err))
		}
		s.bus.Publish(next)
	}

	return next, nil
}

func (s *Service) persist(state models.DefaultMediaState) error {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.cacheDir, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Run polls at interval until ctx is canceled, refreshing immediately on
// entry.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if _, err := s.Refresh(ctx); err != nil {
		s.logger.Warn("initial default-media refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil {
				s.logger.Warn("default-media refresh failed", zap.Error(err))
			}
		}
	}
}
