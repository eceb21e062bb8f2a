package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/queue"
	"github.com/hexmonsignage/device-agent/pkg/models"
)

type fakeBackend struct {
	mu        sync.Mutex
	commands  []models.Command
	acks      []AckBody
	ackFail   bool
	getErr    error
}

func (f *fakeBackend) Get(ctx context.Context, path string, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return f.getErr
	}
	data, _ := json.Marshal(f.commands)
	return json.Unmarshal(data, out)
}

func (f *fakeBackend) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackFail {
		return errors.New("ack transport failure")
	}
	data, _ := json.Marshal(body)
	var ack AckBody
	_ = json.Unmarshal(data, &ack)
	f.acks = append(f.acks, ack)
	return nil
}

func (f *fakeBackend) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

func (f *fakeBackend) lastAck() AckBody {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks[len(f.acks)-1]
}

func newTestQueue(t *testing.T, sender queue.Sender) *queue.Queue {
	t.Helper()
	q, err := queue.New(queue.Config{Dir: t.TempDir()}, sender, zap.NewNop())
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	return q
}

func TestProcessorDispatchesPing(t *testing.T) {
	backend := &fakeBackend{commands: []models.Command{{ID: "c1", Type: models.CommandPing}}}
	q := newTestQueue(t, backend)
	p := New(backend, backend, q, "dev-1", Effects{Version: "1.2.3"}, zap.NewNop())

	p.pollOnce(context.Background())

	if backend.ackCount() != 1 {
		t.Fatalf("expected 1 ack, got %d", backend.ackCount())
	}
	if !backend.lastAck().Success {
		t.Fatalf("expected success ack for PING")
	}
}

func TestProcessorUnknownCommandTypeAcksFailure(t *testing.T) {
	backend := &fakeBackend{commands: []models.Command{{ID: "c1", Type: "BOGUS"}}}
	q := newTestQueue(t, backend)
	p := New(backend, backend, q, "dev-1", Effects{}, zap.NewNop())

	p.pollOnce(context.Background())

	ack := backend.lastAck()
	if ack.Success {
		t.Fatal("expected failure ack for unknown command type")
	}
	if ack.Error != "Unknown command type: BOGUS" {
		t.Fatalf("unexpected error message: %q", ack.Error)
	}
}

func TestProcessorRateLimitsRepeatedCommandType(t *testing.T) {
	backend := &fakeBackend{commands: []models.Command{{ID: "c1", Type: models.CommandPing}}}
	q := newTestQueue(t, backend)
	p := New(backend, backend, q, "dev-1", Effects{}, zap.NewNop())

	p.pollOnce(context.Background())

	backend.mu.Lock()
	backend.commands = []models.Command{{ID: "c2", Type: models.CommandPing}}
	backend.mu.Unlock()
	p.pollOnce(context.Background())

	if backend.ackCount() != 2 {
		t.Fatalf("expected 2 acks, got %d", backend.ackCount())
	}
	ack := backend.lastAck()
	if ack.Success {
		t.Fatal("expected rate-limited ack to report failure")
	}
	if ack.Error != "Rate limited" {
		t.Fatalf("unexpected error: %q", ack.Error)
	}
}

func TestProcessorClearCacheUsesForceParam(t *testing.T) {
	backend := &fakeBackend{commands: []models.Command{
		{ID: "c1", Type: models.CommandClearCache, Params: map[string]interface{}{"force": true}},
	}}
	q := newTestQueue(t, backend)

	var sawForce bool
	effects := Effects{ClearCache: func(force bool) error {
		sawForce = force
		return nil
	}}
	p := New(backend, backend, q, "dev-1", effects, zap.NewNop())
	p.pollOnce(context.Background())

	if !sawForce {
		t.Fatal("expected force=true to propagate to ClearCache effect")
	}
	if !backend.lastAck().Success {
		t.Fatal("expected success ack")
	}
}

func TestProcessorFallsBackToQueueOnAckFailure(t *testing.T) {
	backend := &fakeBackend{commands: []models.Command{{ID: "c1", Type: models.CommandPing}}, ackFail: true}
	q := newTestQueue(t, backend)
	p := New(backend, backend, q, "dev-1", Effects{}, zap.NewNop())

	p.pollOnce(context.Background())

	if q.Len() != 1 {
		t.Fatalf("expected 1 queued retry, got %d", q.Len())
	}
}

func TestProcessorScreenshotReturnsObjectKey(t *testing.T) {
	backend := &fakeBackend{commands: []models.Command{{ID: "c1", Type: models.CommandScreenshot}}}
	q := newTestQueue(t, backend)
	effects := Effects{Screenshot: func(ctx context.Context) (string, error) {
		return "shots/dev-1/abc.png", nil
	}}
	p := New(backend, backend, q, "dev-1", effects, zap.NewNop())
	p.pollOnce(context.Background())

	if !backend.lastAck().Success {
		t.Fatal("expected success ack")
	}
	if got := backend.lastAck().Result["objectKey"]; got != "shots/dev-1/abc.png" {
		t.Errorf("got objectKey %v, want shots/dev-1/abc.png", got)
	}
}

func TestProcessorHistoryIsBounded(t *testing.T) {
	backend := &fakeBackend{}
	q := newTestQueue(t, backend)
	p := New(backend, backend, q, "dev-1", Effects{}, zap.NewNop())

	for i := 0; i < historyLimit+10; i++ {
		p.recordHistory(models.Command{ID: "x", Type: models.CommandPing}, true, "", nil)
	}

	if len(p.History()) != historyLimit {
		t.Fatalf("expected history capped at %d, got %d", historyLimit, len(p.History()))
	}
}

func TestProcessorDedupesInFlightCommand(t *testing.T) {
	backend := &fakeBackend{}
	q := newTestQueue(t, backend)
	p := New(backend, backend, q, "dev-1", Effects{}, zap.NewNop())

	p.mu.Lock()
	p.inFlight["dup-1"] = true
	p.mu.Unlock()

	p.process(context.Background(), models.Command{ID: "dup-1", Type: models.CommandPing})

	if backend.ackCount() != 0 {
		t.Fatalf("expected no ack for already in-flight command, got %d", backend.ackCount())
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	backend := &fakeBackend{}
	q := newTestQueue(t, backend)
	p := New(backend, backend, q, "dev-1", Effects{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, 20*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
