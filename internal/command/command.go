// Package command implements the remote command processor: it polls the
// backend for pending commands, dedupes and rate-limits them, dispatches
// by type, and acknowledges results, falling back to the retry queue when
// an ack POST fails.
package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/queue"
	"github.com/hexmonsignage/device-agent/pkg/models"
)

const (
	historyLimit    = 100
	rateLimitWindow = 60 * time.Second
	rebootDelay     = 2 * time.Second
)

// Fetcher polls the backend for pending commands.
type Fetcher interface {
	Get(ctx context.Context, path string, out interface{}) error
}

// Acker acknowledges a processed command.
type Acker interface {
	Post(ctx context.Context, path string, body interface{}, out interface{}) error
}

// AckBody is the payload posted back to the backend for a processed command.
type AckBody struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Result  map[string]interface{} `json:"result,omitempty"`
}

// Effects bundles the side effects the processor triggers for each command
// type. A nil field degrades that command type's dispatch to a no-op
// success ack, except Screenshot: with no screenshot collaborator the
// SCREENSHOT command is acked as a failure.
type Effects struct {
	RefreshSchedule func(ctx context.Context) error
	Screenshot      func(ctx context.Context) (string, error)
	ClearCache      func(force bool) error
	Reboot          func()
	TestPattern     func(enable bool)
	Uptime          func() time.Duration
	Version         string
}

// Processor runs the poll/dispatch/ack loop.
type Processor struct {
	client   Fetcher
	acker    Acker
	fallback *queue.Queue
	deviceID string
	effects  Effects
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	lastRun  map[models.CommandType]time.Time
	history  []models.CommandResult
}

// New constructs a Processor.
func New(client Fetcher, acker Acker, fallback *queue.Queue, deviceID string, effects Effects, logger *zap.Logger) *Processor {
	return &Processor{
		client:   client,
		acker:    acker,
		fallback: fallback,
		deviceID: deviceID,
		effects:  effects,
		logger:   logger,
		inFlight: make(map[string]bool),
		lastRun:  make(map[models.CommandType]time.Time),
	}
}

// Run polls at interval until ctx is canceled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	p.pollOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Processor) pollOnce(ctx context.Context) {
	var commands []models.Command
	path := fmt.Sprintf("/v1/device/%s/commands", p.deviceID)
	if err := p.client.Get(ctx, path, &commands); err != nil {
		p.logger.Warn("command poll failed", zap.Error(err))
		return
	}

	for _, cmd := range commands {
		if ctx.Err() != nil {
			return
		}
		p.process(ctx, cmd)
	}
}

func (p *Processor) process(ctx context.Context, cmd models.Command) {
	p.mu.Lock()
	if p.inFlight[cmd.ID] {
		p.mu.Unlock()
		return
	}
	p.inFlight[cmd.ID] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inFlight, cmd.ID)
		p.mu.Unlock()
	}()

	if p.rateLimited(cmd.Type) {
		p.ack(ctx, cmd, AckBody{Success: false, Error: "Rate limited"})
		p.recordHistory(cmd, false, "Rate limited", nil)
		return
	}

	body := p.dispatch(ctx, cmd)
	p.ack(ctx, cmd, body)
	p.recordHistory(cmd, body.Success, body.Error, body.Result)
	p.markRateLimit(cmd.Type)
}

func (p *Processor) rateLimited(t models.CommandType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastRun[t]
	if !ok {
		return false
	}
	return time.Since(last) < rateLimitWindow
}

func (p *Processor) markRateLimit(t models.CommandType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRun[t] = time.Now()
}

func (p *Processor) dispatch(ctx context.Context, cmd models.Command) AckBody {
	switch cmd.Type {
	case models.CommandReboot:
		if p.effects.Reboot != nil {
			go func() {
				time.Sleep(rebootDelay)
				p.effects.Reboot()
			}()
		}
		return AckBody{Success: true}

	case models.CommandRefreshSchedule:
		if p.effects.RefreshSchedule == nil {
			return AckBody{Success: true}
		}
		if err := p.effects.RefreshSchedule(ctx); err != nil {
			return AckBody{Success: false, Error: err.Error()}
		}
		return AckBody{Success: true}

	case models.CommandScreenshot:
		if p.effects.Screenshot == nil {
			return AckBody{Success: false, Error: "Screenshot collaborator not available"}
		}
		key, err := p.effects.Screenshot(ctx)
		if err != nil {
			return AckBody{Success: false, Error: err.Error()}
		}
		return AckBody{Success: true, Result: map[string]interface{}{"objectKey": key}}

	case models.CommandClearCache:
		force, _ := cmd.Params["force"].(bool)
		if p.effects.ClearCache == nil {
			return AckBody{Success: true}
		}
		if err := p.effects.ClearCache(force); err != nil {
			return AckBody{Success: false, Error: err.Error()}
		}
		return AckBody{Success: true}

	case models.CommandTestPattern:
		enable := true
		if v, ok := cmd.Params["enable"].(bool); ok {
			enable = v
		}
		if p.effects.TestPattern != nil {
			p.effects.TestPattern(enable)
		}
		return AckBody{Success: true, Result: map[string]interface{}{"enabled": enable}}

	case models.CommandPing:
		var uptime time.Duration
		if p.effects.Uptime != nil {
			uptime = p.effects.Uptime()
		}
		return AckBody{Success: true, Result: map[string]interface{}{
			"uptime":  uptime.Seconds(),
			"version": p.effects.Version,
		}}

	default:
		return AckBody{Success: false, Error: fmt.Sprintf("Unknown command type: %s", cmd.Type)}
	}
}

func (p *Processor) ack(ctx context.Context, cmd models.Command, body AckBody) {
	path := fmt.Sprintf("/v1/device/%s/commands/%s/ack", p.deviceID, cmd.ID)
	if err := p.acker.Post(ctx, path, body, nil); err != nil {
		p.logger.Warn("command ack failed, enqueueing for retry", zap.String("commandId", cmd.ID), zap.Error(err))
		if p.fallback != nil {
			if qerr := p.fallback.Enqueue(cmd.ID, path, body); qerr != nil {
				p.logger.Error("failed to enqueue command ack", zap.Error(qerr))
			}
		}
	}
}

func (p *Processor) recordHistory(cmd models.Command, success bool, errMsg string, result map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, models.CommandResult{
		CommandID:   cmd.ID,
		Type:        cmd.Type,
		Success:     success,
		Error:       errMsg,
		Result:      result,
		ProcessedAt: time.Now(),
	})
	if len(p.history) > historyLimit {
		p.history = p.history[len(p.history)-historyLimit:]
	}
}

// History returns a snapshot of the bounded command result history.
func (p *Processor) History() []models.CommandResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.CommandResult, len(p.history))
	copy(out, p.history)
	return out
}
