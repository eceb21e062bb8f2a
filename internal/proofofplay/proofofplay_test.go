package proofofplay

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNopSinkDiscardsRecords(t *testing.T) {
	var s NopSink
	rec := Record{
		DeviceID:   "dev-1",
		MediaID:    "media-1",
		ItemID:     "item-1",
		PlayedAt:   time.Now(),
		DurationMs: 5000,
	}
	if err := s.RecordStart(context.Background(), rec); err != nil {
		t.Errorf("expected no error from NopSink, got %v", err)
	}
	if err := s.RecordEnd(context.Background(), rec); err != nil {
		t.Errorf("expected no error from NopSink, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("expected no error closing NopSink, got %v", err)
	}
}

func TestNewRedisSinkFailsFastOnUnreachableBroker(t *testing.T) {
	_, err := NewRedisSink(Options{Addr: "127.0.0.1:1"}, zap.NewNop())
	if err == nil {
		t.Error("expected an error connecting to an unreachable broker")
	}
}
