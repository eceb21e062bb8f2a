// Package queue implements a persistent retry queue for outbound POSTs
// that fail while the device is offline or the backend is unavailable.
// Pending entries are journaled to disk with the same
// atomic-temp-file-then-rename discipline internal/config uses for
// config.json, so a crash mid-write never corrupts the journal, and
// retried with exponential backoff.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const journalFileName = "retry-queue.json"

// Sender performs the actual delivery of a queued entry's payload.
type Sender interface {
	Post(ctx context.Context, path string, body interface{}, out interface{}) error
}

// Entry is one pending POST, persisted verbatim so it survives a restart.
type Entry struct {
	ID         string          `json:"id"`
	Path       string          `json:"path"`
	Body       json.RawMessage `json:"body"`
	Attempts   int             `json:"attempts"`
	NextAttempt time.Time      `json:"nextAttempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Config tunes retry behavior.
type Config struct {
	Dir         string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Queue is a disk-backed FIFO of entries awaiting (re)delivery.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	logger  *zap.Logger
	entries []Entry

	stopCh chan struct{}
	doneCh chan struct{}
}

// New loads any previously journaled entries from cfg.Dir and returns a
// ready-to-run Queue.
func New(cfg Config, sender Sender, logger *zap.Logger) (*Queue, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating retry queue directory: %w", err)
	}

	q := &Queue{cfg: cfg, sender: sender, logger: logger}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) journalPath() string { return filepath.Join(q.cfg.Dir, journalFileName) }

func (q *Queue) load() error {
	data, err := os.ReadFile(q.journalPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading retry queue journal: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		q.logger.Warn("retry queue journal corrupt, starting empty", zap.Error(err))
		return nil
	}
	q.entries = entries
	return nil
}

// persistLocked must be called with q.mu held.
func (q *Queue) persistLocked() error {
	data, err := json.MarshalIndent(q.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding retry queue journal: %w", err)
	}

	tmp := q.journalPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing retry queue journal: %w", err)
	}
	return os.Rename(tmp, q.journalPath())
}

// Enqueue appends a new entry for path+body and persists the journal
// immediately.
func (q *Queue) Enqueue(id, path string, body interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding retry queue entry body: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, Entry{
		ID:          id,
		Path:        path,
		Body:        encoded,
		EnqueuedAt:  time.Now(),
		NextAttempt: time.Now(),
	})
	return q.persistLocked()
}

// Len reports the number of entries awaiting delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > max {
		return max
	}
	return delay
}

// drainOnce attempts delivery of every entry whose NextAttempt has passed,
// removing entries that succeed or that exceed MaxAttempts.
func (q *Queue) drainOnce(ctx context.Context) {
	q.mu.Lock()
	due := make([]int, 0, len(q.entries))
	now := time.Now()
	for i, e := range q.entries {
		if !e.NextAttempt.After(now) {
			due = append(due, i)
		}
	}
	q.mu.Unlock()

	for _, idx := range due {
		q.attemptLocked(ctx, idx)
	}
}

func (q *Queue) attemptLocked(ctx context.Context, idx int) {
	q.mu.Lock()
	if idx >= len(q.entries) {
		q.mu.Unlock()
		return
	}
	entry := q.entries[idx]
	q.mu.Unlock()

	var body interface{}
	if len(entry.Body) > 0 {
		body = entry.Body
	}

	err := q.sender.Post(ctx, entry.Path, body, nil)

	q.mu.Lock()
	defer q.mu.Unlock()

	pos := q.findByID(entry.ID)
	if pos < 0 {
		return
	}

	if err == nil {
		q.removeAtLocked(pos)
		q.logger.Info("retry queue entry delivered", zap.String("id", entry.ID), zap.String("path", entry.Path))
		if persistErr := q.persistLocked(); persistErr != nil {
			q.logger.Warn("failed to persist retry queue after success", zap.Error(persistErr))
		}
		return
	}

	q.entries[pos].Attempts++
	if q.entries[pos].Attempts >= q.cfg.MaxAttempts {
		q.logger.Warn("retry queue entry exceeded max attempts, dropping",
			zap.String("id", entry.ID), zap.String("path", entry.Path), zap.Error(err))
		q.removeAtLocked(pos)
	} else {
		delay := backoffDelay(q.cfg.BaseDelay, q.cfg.MaxDelay, q.entries[pos].Attempts)
		q.entries[pos].NextAttempt = time.Now().Add(delay)
		q.logger.Debug("retry queue entry failed, scheduled retry",
			zap.String("id", entry.ID), zap.Int("attempts", q.entries[pos].Attempts),
			zap.Duration("delay", delay), zap.Error(err))
	}

	if persistErr := q.persistLocked(); persistErr != nil {
		q.logger.Warn("failed to persist retry queue after failure", zap.Error(persistErr))
	}
}

func (q *Queue) findByID(id string) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeAtLocked(idx int) {
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
}

// Run drains the queue on a fixed interval until ctx is canceled.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainOnce(ctx)
		}
	}
}
