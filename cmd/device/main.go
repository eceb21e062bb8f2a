// Command device is the device-resident signage player runtime: it wires
// the pairing, snapshot, cache, playback, and command components together
// behind the top-level player flow and runs until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hexmonsignage/device-agent/internal/cache"
	"github.com/hexmonsignage/device-agent/internal/cacheindex"
	"github.com/hexmonsignage/device-agent/internal/certs"
	"github.com/hexmonsignage/device-agent/internal/command"
	"github.com/hexmonsignage/device-agent/internal/config"
	"github.com/hexmonsignage/device-agent/internal/defaultmedia"
	"github.com/hexmonsignage/device-agent/internal/device"
	"github.com/hexmonsignage/device-agent/internal/httpapi"
	"github.com/hexmonsignage/device-agent/internal/httpclient"
	"github.com/hexmonsignage/device-agent/internal/lock"
	"github.com/hexmonsignage/device-agent/internal/logsink"
	"github.com/hexmonsignage/device-agent/internal/pairing"
	"github.com/hexmonsignage/device-agent/internal/playback"
	"github.com/hexmonsignage/device-agent/internal/player"
	"github.com/hexmonsignage/device-agent/internal/proofofplay"
	"github.com/hexmonsignage/device-agent/internal/queue"
	"github.com/hexmonsignage/device-agent/internal/renderer"
	"github.com/hexmonsignage/device-agent/internal/screenshot"
	"github.com/hexmonsignage/device-agent/internal/snapshot"
	"github.com/hexmonsignage/device-agent/internal/telemetry"
)

func main() {
	devMode := flag.Bool("dev", false, "run with a development logger and verbose output")
	stateDir := flag.String("state-dir", "./state", "root directory for config, certs, and cache")
	apiAddr := flag.String("api-addr", "127.0.0.1:8088", "loopback address for the local diagnostics API")
	flag.Parse()

	logger, err := buildLogger(*devMode, filepath.Join(*stateDir, "logs"))
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(logger, *stateDir, *apiAddr); err != nil {
		logger.Fatal("device runtime exited with error", zap.Error(err))
	}
}

func buildLogger(dev bool, logDir string) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}

	sink, err := logsink.New(logsink.Options{Dir: logDir, CompressionEnabled: true})
	if err != nil {
		return nil, fmt.Errorf("opening log sink: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(sink), zapcore.InfoLevel)
	return zap.New(core, zap.AddCaller()), nil
}

func run(logger *zap.Logger, stateDir, apiAddr string) error {
	configDir := filepath.Join(stateDir, "config")
	certDir := filepath.Join(stateDir, "certs")
	cacheDir := filepath.Join(stateDir, "cache")

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	lockHandle, err := lock.Acquire(filepath.Join(stateDir, "device.lock"))
	if err != nil {
		return fmt.Errorf("acquiring single-instance lock: %w", err)
	}
	defer lockHandle.Release()

	profile, err := device.Load(stateDir)
	if err != nil {
		logger.Info("no device descriptor found, using defaults", zap.Error(err))
		profile = device.Default()
	}
	if cfg.DeviceID != "" {
		logger.Info("device already paired", zap.String("deviceId", cfg.DeviceID))
	}

	certMgr := certs.NewManager(certDir)

	creds := &httpclient.CredentialPaths{
		CertPath: certMgr.CertPath(),
		KeyPath:  certMgr.KeyPath(),
		CAPath:   certMgr.CAPath(),
	}
	httpClient, err := httpclient.New(cfg.APIBase, creds, logger)
	if err != nil {
		return fmt.Errorf("building HTTP client: %w", err)
	}

	cacheInst, err := cache.New(cacheDir, cfg.Cache.MaxBytes, httpClient, logger)
	if err != nil {
		return fmt.Errorf("opening content cache: %w", err)
	}
	mirror := maybeMirrorCache(cfg.DeviceID, logger)
	if mirror != nil {
		cacheInst.SetReporter(mirror)
		defer mirror.Close()
	}

	retryQueue, err := queue.New(queue.Config{Dir: filepath.Join(stateDir, "queue")}, httpClient, logger)
	if err != nil {
		return fmt.Errorf("opening retry queue: %w", err)
	}

	pairingSvc := pairing.NewService(httpClient, certMgr, logger)

	snapshotMgr := snapshot.NewManager(httpClient, cacheInst, cacheDir, cfg.DeviceID, logger)
	if err := snapshotMgr.LoadPersisted(); err != nil {
		logger.Warn("failed to load persisted snapshot", zap.Error(err))
	}

	defaultMediaSvc := defaultmedia.NewService(httpClient, cacheDir, logger)
	if err := defaultMediaSvc.LoadPersisted(); err != nil {
		logger.Warn("failed to load persisted default media", zap.Error(err))
	}

	rendererSink := renderer.NewRecorder()
	pop := buildProofOfPlaySink(cfg.DeviceID, logger)
	tel := buildTelemetrySink(cfg.DeviceID, logger)
	shots := screenshot.NewLocalStub(filepath.Join(stateDir, "screenshots"), cfg.DeviceID)

	engine := playback.New(rendererSink, pop, cacheInst, logger)

	// flow is referenced by the command processor's effect closures before
	// it exists; the closures only dereference it once a command actually
	// arrives, by which point construction below has completed.
	var flow *player.Flow

	cmdProc := command.New(httpClient, httpClient, retryQueue, cfg.DeviceID, command.Effects{
		RefreshSchedule: func(ctx context.Context) error { return flow.RefreshSchedule(ctx) },
		Screenshot:      shots.Capture,
		ClearCache:      func(force bool) error { return cacheInst.Clear(force) },
		Reboot:          func() { flow.Reboot() },
		TestPattern: func(enable bool) {
			rendererSink.PlaybackUpdate(renderer.PlaybackUpdate{Type: renderer.UpdateTestPattern})
		},
		Uptime:          func() time.Duration { return flow.Uptime() },
		Version:         player.Version,
	}, logger)

	flow = player.New(player.Config{
		DeviceID:  cfg.DeviceID,
		Profile:   profile,
		CertMgr:   certMgr,
		Pairing:   pairingSvc,
		Snapshot:  snapshotMgr,
		Engine:    engine,
		Commands:  cmdProc,
		Default:   defaultMediaSvc,
		Telemetry: tel,
		Sink:      rendererSink,
		Shots:     shots,
		Intervals: player.Intervals{
			SchedulePoll:     time.Duration(cfg.Intervals.SchedulePollMs) * time.Millisecond,
			CommandPoll:      time.Duration(cfg.Intervals.CommandPollMs) * time.Millisecond,
			DefaultMediaPoll: time.Duration(cfg.Intervals.DefaultMediaPollMs) * time.Millisecond,
			Screenshot:       time.Duration(cfg.Intervals.ScreenshotMs) * time.Millisecond,
			Heartbeat:        time.Duration(cfg.Intervals.HeartbeatMs) * time.Millisecond,
		},
		Logger: logger,
	})

	api := httpapi.New(apiAddr, httpapi.Dependencies{
		Status:       flow,
		Profile:      profile,
		DefaultMedia: defaultMediaSvc,
		Pairing:      pairingSvc,
		Version:      player.Version,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := api.ListenAndServe(); err != nil {
			logger.Error("diagnostics API server failed", zap.Error(err))
		}
	}()
	go func() { retryQueue.Run(ctx, 10*time.Second) }()
	go forwardDefaultMediaChanges(ctx, defaultMediaSvc, rendererSink)

	errCh := make(chan error, 1)
	go func() { errCh <- flow.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("player flow exited with error", zap.Error(err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("diagnostics API shutdown error", zap.Error(err))
	}

	logger.Info("device runtime stopped")
	return nil
}

func forwardDefaultMediaChanges(ctx context.Context, svc *defaultmedia.Service, sink renderer.Sink) {
	sub := svc.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-sub:
			if !ok {
				return
			}
			sink.DefaultMediaChanged(renderer.DefaultMediaChanged{MediaID: state.MediaID, Media: state.Media})
		}
	}
}

func buildProofOfPlaySink(deviceID string, logger *zap.Logger) proofofplay.Sink {
	addr := os.Getenv("HEXMON_PROOF_OF_PLAY_REDIS_ADDR")
	if addr == "" {
		return proofofplay.NopSink{}
	}
	sink, err := proofofplay.NewRedisSink(proofofplay.Options{Addr: addr, DeviceID: deviceID}, logger)
	if err != nil {
		logger.Warn("proof-of-play Redis sink unavailable, falling back to no-op", zap.Error(err))
		return proofofplay.NopSink{}
	}
	return sink
}

func buildTelemetrySink(deviceID string, logger *zap.Logger) telemetry.Sink {
	url := os.Getenv("HEXMON_TELEMETRY_AMQP_URL")
	if url == "" {
		return telemetry.NopSink{}
	}
	pub, err := telemetry.NewPublisher(telemetry.Options{
		URL:        url,
		Exchange:   "hexmonsignage.telemetry",
		QueueName:  fmt.Sprintf("device.%s.telemetry", deviceID),
		RoutingKey: fmt.Sprintf("device.%s", deviceID),
	}, logger)
	if err != nil {
		logger.Warn("telemetry publisher unavailable, falling back to no-op", zap.Error(err))
		return telemetry.NopSink{}
	}
	return pub
}

func maybeMirrorCache(deviceID string, logger *zap.Logger) *cacheindex.Mirror {
	addr := os.Getenv("HEXMON_CACHEINDEX_REDIS_ADDR")
	if addr == "" {
		return nil
	}
	mirror, err := cacheindex.New(cacheindex.Options{Addr: addr, DeviceID: deviceID}, logger)
	if err != nil {
		logger.Warn("cache index mirror unavailable, continuing without it", zap.Error(err))
		return nil
	}
	return mirror
}
