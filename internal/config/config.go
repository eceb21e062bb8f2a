// Package config loads, validates, and persists the device runtime's
// configuration. First-boot defaults are seeded from environment variables
// via github.com/joho/godotenv; once a device has booted once, config.json
// on disk is authoritative and is re-read verbatim.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/hexmonsignage/device-agent/internal/errs"
)

const FileName = "config.json"

// Config holds every configuration key the runtime reads.
type Config struct {
	APIBase  string `json:"apiBase"`
	WSUrl    string `json:"wsUrl"`
	DeviceID string `json:"deviceId"`

	MTLS      MTLSConfig      `json:"mtls"`
	Cache     CacheConfig     `json:"cache"`
	Intervals IntervalsConfig `json:"intervals"`
	Log       LogConfig       `json:"log"`
	Power     PowerConfig     `json:"power"`
	Security  SecurityConfig  `json:"security"`
}

type MTLSConfig struct {
	Enabled         bool   `json:"enabled"`
	CertPath        string `json:"certPath"`
	KeyPath         string `json:"keyPath"`
	CAPath          string `json:"caPath"`
	AutoRenew       bool   `json:"autoRenew"`
	RenewBeforeDays int    `json:"renewBeforeDays"`
}

type CacheConfig struct {
	Path                string  `json:"path"`
	MaxBytes            int64   `json:"maxBytes"`
	PrefetchConcurrency int     `json:"prefetchConcurrency"`
	BandwidthBudgetMbps float64 `json:"bandwidthBudgetMbps"`
}

type IntervalsConfig struct {
	HeartbeatMs        int64 `json:"heartbeatMs"`
	CommandPollMs      int64 `json:"commandPollMs"`
	SchedulePollMs     int64 `json:"schedulePollMs"`
	DefaultMediaPollMs int64 `json:"defaultMediaPollMs"`
	HealthCheckMs      int64 `json:"healthCheckMs"`
	ScreenshotMs       int64 `json:"screenshotMs"`
}

type LogConfig struct {
	Level                 string `json:"level"`
	ShipPolicy            string `json:"shipPolicy"`
	RotationSizeMb        int    `json:"rotationSizeMb"`
	RotationIntervalHours int    `json:"rotationIntervalHours"`
	CompressionEnabled    bool   `json:"compressionEnabled"`
}

type PowerConfig struct {
	DPMSEnabled     bool   `json:"dpmsEnabled"`
	PreventBlanking bool   `json:"preventBlanking"`
	ScheduleEnabled bool   `json:"scheduleEnabled"`
	OnTime          string `json:"onTime"`
	OffTime         string `json:"offTime"`
}

type SecurityConfig struct {
	CSP              string   `json:"csp"`
	AllowedDomains   []string `json:"allowedDomains"`
	ContextIsolation bool     `json:"contextIsolation"`
	Sandbox          bool     `json:"sandbox"`
	NodeIntegration  bool     `json:"nodeIntegration"`
	DisableEval      bool     `json:"disableEval"`
}

var hhmmPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// Defaults returns a Config seeded from environment variables, loading a
// local .env file first if present.
func Defaults() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		APIBase:  getEnv("HEXMON_API_BASE", ""),
		WSUrl:    getEnv("HEXMON_WS_URL", ""),
		DeviceID: getEnv("HEXMON_DEVICE_ID", ""),
		MTLS: MTLSConfig{
			Enabled:         getEnvAsBool("HEXMON_MTLS_ENABLED", true),
			CertPath:        getEnv("HEXMON_CERT_PATH", "./certs/client.crt"),
			KeyPath:         getEnv("HEXMON_KEY_PATH", "./certs/client.key"),
			CAPath:          getEnv("HEXMON_CA_PATH", "./certs/ca.crt"),
			AutoRenew:       getEnvAsBool("HEXMON_MTLS_AUTORENEW", true),
			RenewBeforeDays: getEnvAsInt("HEXMON_RENEW_BEFORE_DAYS", 30),
		},
		Cache: CacheConfig{
			Path:                getEnv("HEXMON_CACHE_PATH", "./cache"),
			MaxBytes:            int64(getEnvAsInt("HEXMON_CACHE_MAX_BYTES", 2*1024*1024*1024)),
			PrefetchConcurrency: getEnvAsInt("HEXMON_PREFETCH_CONCURRENCY", 3),
			BandwidthBudgetMbps: 0,
		},
		Intervals: IntervalsConfig{
			HeartbeatMs:        int64(getEnvAsInt("HEXMON_HEARTBEAT_MS", 30000)),
			CommandPollMs:      int64(getEnvAsInt("HEXMON_COMMAND_POLL_MS", 30000)),
			SchedulePollMs:     int64(getEnvAsInt("HEXMON_SCHEDULE_POLL_MS", 5*60*1000)),
			DefaultMediaPollMs: int64(getEnvAsInt("HEXMON_DEFAULT_MEDIA_POLL_MS", 5*60*1000)),
			HealthCheckMs:      int64(getEnvAsInt("HEXMON_HEALTH_CHECK_MS", 60000)),
			ScreenshotMs:       int64(getEnvAsInt("HEXMON_SCREENSHOT_MS", 5*60*1000)),
		},
		Log: LogConfig{
			Level:                 getEnv("HEXMON_LOG_LEVEL", "info"),
			ShipPolicy:            getEnv("HEXMON_LOG_SHIP_POLICY", "on-error"),
			RotationSizeMb:        getEnvAsInt("HEXMON_LOG_ROTATION_SIZE_MB", 50),
			RotationIntervalHours: getEnvAsInt("HEXMON_LOG_ROTATION_INTERVAL_HOURS", 24),
			CompressionEnabled:    getEnvAsBool("HEXMON_LOG_COMPRESSION_ENABLED", true),
		},
		Power: PowerConfig{
			DPMSEnabled:     getEnvAsBool("HEXMON_DPMS_ENABLED", false),
			PreventBlanking: getEnvAsBool("HEXMON_PREVENT_BLANKING", true),
			ScheduleEnabled: getEnvAsBool("HEXMON_POWER_SCHEDULE_ENABLED", false),
			OnTime:          getEnv("HEXMON_POWER_ON_TIME", "06:00"),
			OffTime:         getEnv("HEXMON_POWER_OFF_TIME", "23:00"),
		},
		Security: SecurityConfig{
			CSP:              getEnv("HEXMON_CSP", "default-src 'self'"),
			AllowedDomains:   splitCSV(getEnv("HEXMON_ALLOWED_DOMAINS", "")),
			ContextIsolation: getEnvAsBool("HEXMON_CONTEXT_ISOLATION", true),
			Sandbox:          getEnvAsBool("HEXMON_SANDBOX", true),
			NodeIntegration:  getEnvAsBool("HEXMON_NODE_INTEGRATION", false),
			DisableEval:      getEnvAsBool("HEXMON_DISABLE_EVAL", true),
		},
	}

	if cfg.WSUrl == "" && cfg.APIBase != "" {
		cfg.WSUrl = deriveWSUrl(cfg.APIBase)
	}

	return cfg
}

// Load reads {configDir}/config.json if present; otherwise it seeds from
// Defaults() and persists that as the first config.json. The returned
// Config is always validated before being handed back.
func Load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, FileName)

	data, err := os.ReadFile(path)
	if err == nil {
		var cfg Config
		if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil {
			return nil, &errs.ConfigError{Violations: []string{fmt.Sprintf("config.json is not valid JSON: %v", jsonErr)}}
		}
		if err := Validate(&cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, &errs.ConfigError{Violations: []string{fmt.Sprintf("reading %s: %v", path, err)}}
	}

	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if err := Persist(configDir, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Persist atomically (temp file + rename) writes config.json with mode
// 0600, the same write discipline the cache and credential stores use.
func Persist(configDir string, cfg *Config) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	path := filepath.Join(configDir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming temp config: %w", err)
	}
	return nil
}

// Validate checks every configuration constraint and returns a
// ConfigError listing all violations at once, not just the first.
func Validate(cfg *Config) error {
	var violations []string

	if strings.TrimSpace(cfg.APIBase) == "" {
		violations = append(violations, "apiBase is required")
	}
	if cfg.Cache.MaxBytes < 100*1024*1024 {
		violations = append(violations, "cache.maxBytes must be >= 100MiB")
	}
	if cfg.Cache.PrefetchConcurrency < 1 || cfg.Cache.PrefetchConcurrency > 10 {
		violations = append(violations, "cache.prefetchConcurrency must be in [1,10]")
	}
	if cfg.Intervals.HeartbeatMs < 10000 {
		violations = append(violations, "intervals.heartbeatMs must be >= 10000")
	}
	if cfg.Intervals.CommandPollMs < 5000 {
		violations = append(violations, "intervals.commandPollMs must be >= 5000")
	}
	if cfg.Intervals.SchedulePollMs < 10000 {
		violations = append(violations, "intervals.schedulePollMs must be >= 10000")
	}
	if cfg.Intervals.DefaultMediaPollMs < 10000 {
		violations = append(violations, "intervals.defaultMediaPollMs must be >= 10000")
	}
	if cfg.Intervals.ScreenshotMs < 10000 {
		violations = append(violations, "intervals.screenshotMs must be >= 10000")
	}
	if cfg.MTLS.RenewBeforeDays < 0 {
		violations = append(violations, "mtls.renewBeforeDays must be >= 0")
	}
	if cfg.Power.ScheduleEnabled {
		if !hhmmPattern.MatchString(cfg.Power.OnTime) {
			violations = append(violations, "power.onTime must match HH:MM")
		}
		if !hhmmPattern.MatchString(cfg.Power.OffTime) {
			violations = append(violations, "power.offTime must match HH:MM")
		}
	}

	if len(violations) > 0 {
		return &errs.ConfigError{Violations: violations}
	}
	return nil
}

// Watcher fans out configuration reloads to subscribers as a typed channel,
// replacing the process-wide config singleton (design note: singletons ->
// dependency-injected context, emitters -> typed channels).
type Watcher struct {
	mu   sync.Mutex
	subs []chan Config
}

func NewWatcher() *Watcher {
	return &Watcher{}
}

// Watch returns a channel that receives every future config published via
// Publish. The channel is never closed by the watcher.
func (w *Watcher) Watch() <-chan Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan Config, 1)
	w.subs = append(w.subs, ch)
	return ch
}

// Publish fans out a new configuration value to every subscriber. Sends are
// non-blocking: a subscriber that isn't ready to receive misses the update
// rather than stalling the publisher.
func (w *Watcher) Publish(cfg Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- cfg:
		default:
		}
	}
}

func deriveWSUrl(apiBase string) string {
	switch {
	case strings.HasPrefix(apiBase, "https://"):
		return "wss://" + strings.TrimPrefix(apiBase, "https://")
	case strings.HasPrefix(apiBase, "http://"):
		return "ws://" + strings.TrimPrefix(apiBase, "http://")
	default:
		return apiBase
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
