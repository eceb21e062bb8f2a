// Package player implements the top-level device state machine that
// sequences every other component: pairing, the snapshot manager, the
// playback engine, the command processor, and the default media service,
// all wired together behind one long-lived lifecycle.
package player

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/certs"
	"github.com/hexmonsignage/device-agent/internal/command"
	"github.com/hexmonsignage/device-agent/internal/defaultmedia"
	"github.com/hexmonsignage/device-agent/internal/device"
	"github.com/hexmonsignage/device-agent/internal/pairing"
	"github.com/hexmonsignage/device-agent/internal/playback"
	"github.com/hexmonsignage/device-agent/internal/renderer"
	"github.com/hexmonsignage/device-agent/internal/screenshot"
	"github.com/hexmonsignage/device-agent/internal/snapshot"
	"github.com/hexmonsignage/device-agent/internal/telemetry"
	"github.com/hexmonsignage/device-agent/pkg/models"
)

// Version is the running binary's version string, reported by PING.
var Version = "dev"

// Intervals bundles every polling cadence the flow's subordinate loops
// need, mirroring config.IntervalsConfig without importing internal/config
// directly (keeps this package testable with plain durations).
type Intervals struct {
	SchedulePoll     time.Duration
	CommandPoll      time.Duration
	DefaultMediaPoll time.Duration
	Screenshot       time.Duration
	Heartbeat        time.Duration
}

// Flow binds every runtime component behind a single device lifecycle.
// Construct with New, then call Run.
type Flow struct {
	deviceID string
	profile  *device.Profile

	certMgr   *certs.Manager
	pairingS  *pairing.Service
	snapshotM *snapshot.Manager
	engine    *playback.Engine
	cmdProc   *command.Processor
	defMedia  *defaultmedia.Service
	telemetry telemetry.Sink
	shots     screenshot.Capturer
	sink      renderer.Sink

	intervals Intervals
	logger    *zap.Logger
	startedAt time.Time

	mu         sync.Mutex
	state      models.PlayerState
	mode       models.PlaylistMode
	scheduleID string
	lastErr    string
	lastSnapAt *time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles the collaborators New needs; every field is required
// except Shots, Telemetry, Default, and Sink, which degrade to no-ops when
// nil.
type Config struct {
	DeviceID  string
	Profile   *device.Profile
	CertMgr   *certs.Manager
	Pairing   *pairing.Service
	Snapshot  *snapshot.Manager
	Engine    *playback.Engine
	Commands  *command.Processor
	Default   *defaultmedia.Service
	Telemetry telemetry.Sink
	Shots     screenshot.Capturer
	Sink      renderer.Sink
	Intervals Intervals
	Logger    *zap.Logger
}

// New constructs a Flow in state BOOT.
func New(cfg Config) *Flow {
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.NopSink{}
	}
	return &Flow{
		deviceID:  cfg.DeviceID,
		profile:   cfg.Profile,
		certMgr:   cfg.CertMgr,
		pairingS:  cfg.Pairing,
		snapshotM: cfg.Snapshot,
		engine:    cfg.Engine,
		cmdProc:   cfg.Commands,
		defMedia:  cfg.Default,
		telemetry: tel,
		shots:     cfg.Shots,
		sink:      cfg.Sink,
		intervals: cfg.Intervals,
		logger:    cfg.Logger,
		state:     models.StateBoot,
	}
}

// State reports the flow's current top-level state.
func (f *Flow) State() models.PlayerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) setState(s models.PlayerState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.logger.Info("player state transition", zap.String("state", string(s)))
	f.publishStatus()
	_ = f.telemetry.Publish(context.Background(), telemetry.Envelope{
		DeviceID:  f.deviceID,
		Status:    f.Status(),
		Kind:      telemetry.KindStateEntry,
		Timestamp: time.Now(),
	})
}

// Status returns the composite status record exposed to the renderer and
// the local diagnostics API.
func (f *Flow) Status() models.PlayerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := models.PlayerStatus{
		State:          f.state,
		Mode:           f.mode,
		Online:         f.state == models.StatePlaybackRunning,
		DeviceID:       f.deviceID,
		ScheduleID:     f.scheduleID,
		LastSnapshotAt: f.lastSnapAt,
		Error:          f.lastErr,
	}
	if f.engine != nil {
		status.CurrentMediaID = f.engine.CurrentMediaID()
	}
	return status
}

func (f *Flow) publishStatus() {
	if f.sink != nil {
		f.sink.PlayerStatus(f.Status())
	}
}

// Run drives the device lifecycle to PLAYBACK_RUNNING (pairing first if
// necessary) and then blocks, coordinating subordinate loops, until ctx is
// canceled.
func (f *Flow) Run(ctx context.Context) error {
	f.startedAt = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	defer cancel()

	if err := f.boot(runCtx); err != nil {
		return err
	}

	f.startLoops(runCtx)
	f.watchPlaylists(runCtx)

	<-runCtx.Done()
	f.Stop()
	return nil
}

// boot decides whether the device needs pairing or already has valid
// credentials, driving NEED_PAIRING -> ... -> CERT_ISSUED when necessary.
func (f *Flow) boot(ctx context.Context) error {
	if f.deviceID != "" && f.certMgr.HasCertificate() {
		if err := f.certMgr.VerifyCertificate(); err == nil {
			f.setState(models.StateCertIssued)
			f.snapshotM.SetPaired(true)
			f.setState(models.StatePlaybackRunning)
			return nil
		}
	}

	f.setState(models.StateNeedPairing)
	return f.pair(ctx)
}

// pair runs the pairing request/poll/complete cycle, retrying with a
// fresh code whenever the backend reports the previous one expired or
// unknown (404).
func (f *Flow) pair(ctx context.Context) error {
	for {
		f.setState(models.StatePairingRequested)
		session, err := f.pairingS.RequestPairingCode(ctx, f.profile)
		if err != nil {
			f.recordError(err)
			return err
		}

		f.setState(models.StateWaitingConfirmation)

		confirmed, err := f.awaitConfirmation(ctx, session)
		if err != nil {
			f.recordError(err)
			continue
		}
		if !confirmed {
			continue
		}

		if err := f.pairingS.SubmitPairing(ctx, session); err != nil {
			if session.State == pairing.StateExpired {
				f.logger.Info("pairing code rejected, requesting a new one")
				continue
			}
			f.recordError(err)
			return err
		}

		f.deviceID = session.DeviceID
		f.setState(models.StateCertIssued)
		f.snapshotM.SetPaired(true)
		f.setState(models.StatePlaybackRunning)
		return nil
	}
}

func (f *Flow) awaitConfirmation(ctx context.Context, session *pairing.Session) (bool, error) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			paired, err := f.pairingS.FetchPairingStatus(ctx, session)
			if err != nil {
				return false, err
			}
			if paired {
				return true, nil
			}
		}
	}
}

func (f *Flow) recordError(err error) {
	f.mu.Lock()
	f.lastErr = err.Error()
	f.mu.Unlock()
	f.logger.Warn("player flow error", zap.Error(err))
}

// startLoops launches the subordinate polling loops once PLAYBACK_RUNNING
// is reached. Each loop owns its own ticker and exits when ctx is
// canceled; none of them block Run.
func (f *Flow) startLoops(ctx context.Context) {
	f.runLoop(ctx, func(c context.Context) { f.snapshotM.Run(c, f.intervals.SchedulePoll) })
	f.runLoop(ctx, func(c context.Context) { f.cmdProc.Run(c, f.intervals.CommandPoll) })
	if f.defMedia != nil {
		f.runLoop(ctx, func(c context.Context) { f.defMedia.Run(c, f.intervals.DefaultMediaPoll) })
	}
	if f.shots != nil && f.intervals.Screenshot > 0 {
		f.runLoop(ctx, f.screenshotLoop)
	}
	if f.intervals.Heartbeat > 0 {
		f.runLoop(ctx, f.heartbeatLoop)
	}
}

// heartbeatLoop publishes the current composite status on a fixed cadence
// so the fleet backend can distinguish a quiet device from a dead one. The
// envelope carries CurrentMediaID, doubling as the now-playing report.
func (f *Flow) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.intervals.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.telemetry.Publish(ctx, telemetry.Envelope{
				DeviceID:  f.deviceID,
				Status:    f.Status(),
				Kind:      telemetry.KindHeartbeat,
				Timestamp: time.Now(),
			}); err != nil {
				f.logger.Warn("heartbeat publish failed", zap.Error(err))
			}
		}
	}
}

func (f *Flow) runLoop(ctx context.Context, fn func(context.Context)) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn(ctx)
	}()
}

func (f *Flow) screenshotLoop(ctx context.Context) {
	ticker := time.NewTicker(f.intervals.Screenshot)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.shots.Capture(ctx); err != nil {
				f.logger.Warn("periodic screenshot capture failed", zap.Error(err))
			}
		}
	}
}

// watchPlaylists subscribes to the snapshot manager's playlist-updated
// events and drives the engine plus the PLAYBACK_RUNNING <-> OFFLINE_FALLBACK
// transition.
func (f *Flow) watchPlaylists(ctx context.Context) {
	sub := f.snapshotM.Playlists()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case playlist, ok := <-sub:
				if !ok {
					return
				}
				f.handlePlaylist(playlist)
			}
		}
	}()
}

func (f *Flow) handlePlaylist(playlist models.PlaybackPlaylist) {
	f.mu.Lock()
	f.mode = playlist.Mode
	f.scheduleID = playlist.ScheduleID
	f.lastSnapAt = playlist.LastSnapshotAt
	f.mu.Unlock()

	f.engine.HandlePlaylistUpdated(playlist)

	switch playlist.Mode {
	case models.ModeOffline, models.ModeEmpty:
		f.setState(models.StateOfflineFallback)
	default:
		f.setState(models.StatePlaybackRunning)
	}
}

// RefreshSchedule forces an out-of-cycle snapshot poll, wired as the
// REFRESH_SCHEDULE command effect.
func (f *Flow) RefreshSchedule(ctx context.Context) error {
	f.snapshotM.Poll(ctx)
	return nil
}

// Uptime reports how long the flow has been running, wired as the PING
// command effect.
func (f *Flow) Uptime() time.Duration {
	if f.startedAt.IsZero() {
		return 0
	}
	return time.Since(f.startedAt)
}

// Reboot cancels the flow's context so Run returns and main shuts the
// process down. It does not relaunch the process; nothing in this module
// starts it again.
func (f *Flow) Reboot() {
	f.logger.Warn("reboot command received, shutting down for relaunch")
	if f.cancel != nil {
		f.cancel()
	}
}

// Stop halts every subordinate loop and the playback engine. Cleanup
// errors are logged, never propagated.
func (f *Flow) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.engine != nil {
		f.engine.Stop()
	}
	f.wg.Wait()
	if err := f.telemetry.Close(); err != nil {
		f.logger.Warn("telemetry shutdown error, ignoring", zap.Error(err))
	}
}

// DeviceID reports the paired device identifier, empty before pairing
// completes.
func (f *Flow) DeviceID() string { return f.deviceID }
