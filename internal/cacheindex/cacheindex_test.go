package cacheindex

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewFailsFastOnUnreachableRedis(t *testing.T) {
	_, err := New(Options{Addr: "127.0.0.1:1", DeviceID: "dev-1"}, zap.NewNop())
	if err == nil {
		t.Error("expected an error connecting to an unreachable Redis")
	}
}
