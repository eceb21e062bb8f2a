// Package proofofplay publishes a paired start/end record for every item
// the playback engine displays, so the backend can bill and audit play
// counts. Records go out as JSON on a per-device Redis pub/sub channel;
// when no broker is configured a no-op sink stands in.
package proofofplay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Record describes one playback of a timeline item. A record is published
// twice: once when the item goes on screen and once when it leaves, so the
// backend can detect interrupted plays by an unmatched start.
type Record struct {
	DeviceID    string    `json:"deviceId"`
	MediaID     string    `json:"mediaId"`
	ItemID      string    `json:"itemId"`
	ScheduleID  string    `json:"scheduleId,omitempty"`
	Phase       string    `json:"phase"`
	PlayedAt    time.Time `json:"playedAt"`
	DurationMs  int64     `json:"durationMs,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
}

// Phases stamped onto a Record by the sink.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
)

// Sink records playback events. The playback engine depends on this
// interface, not a concrete transport, so a local no-op sink can stand in
// when no broker is configured. RecordStart always precedes the matching
// RecordEnd for a given item play.
type Sink interface {
	RecordStart(ctx context.Context, rec Record) error
	RecordEnd(ctx context.Context, rec Record) error
	Close() error
}

// RedisSink publishes Records as JSON to a per-device pub/sub channel.
type RedisSink struct {
	client   *redis.Client
	deviceID string
	channel  string
	logger   *zap.Logger
}

// Options configures the Redis connection backing a RedisSink.
type Options struct {
	Addr     string
	Password string
	DB       int
	DeviceID string
}

// NewRedisSink dials Redis and verifies connectivity before returning.
func NewRedisSink(opts Options, logger *zap.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to proof-of-play broker: %w", err)
	}

	logger.Info("connected to proof-of-play broker", zap.String("addr", opts.Addr))
	return &RedisSink{
		client:   client,
		deviceID: opts.DeviceID,
		channel:  fmt.Sprintf("device:%s:proof-of-play", opts.DeviceID),
		logger:   logger,
	}, nil
}

// RecordStart publishes rec stamped as the start of a play.
func (s *RedisSink) RecordStart(ctx context.Context, rec Record) error {
	rec.Phase = PhaseStart
	return s.publish(ctx, rec)
}

// RecordEnd publishes rec stamped as the end of a play.
func (s *RedisSink) RecordEnd(ctx context.Context, rec Record) error {
	rec.Phase = PhaseEnd
	return s.publish(ctx, rec)
}

func (s *RedisSink) publish(ctx context.Context, rec Record) error {
	rec.DeviceID = s.deviceID

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling proof-of-play record: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.channel, err)
	}

	s.logger.Debug("published proof-of-play record",
		zap.String("channel", s.channel),
		zap.String("phase", rec.Phase),
		zap.String("mediaId", rec.MediaID),
		zap.String("itemId", rec.ItemID))
	return nil
}

// Close releases the underlying Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// NopSink discards every record, used when no proof-of-play broker is
// configured.
type NopSink struct{}

func (NopSink) RecordStart(ctx context.Context, rec Record) error { return nil }
func (NopSink) RecordEnd(ctx context.Context, rec Record) error   { return nil }
func (NopSink) Close() error                                      { return nil }
