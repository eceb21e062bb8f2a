package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hexmonsignage/device-agent/internal/errs"
)

func TestGetEnv(t *testing.T) {
	t.Run("returns value when set", func(t *testing.T) {
		os.Setenv("TEST_GET_ENV_KEY", "myvalue")
		defer os.Unsetenv("TEST_GET_ENV_KEY")

		if got := getEnv("TEST_GET_ENV_KEY", "default"); got != "myvalue" {
			t.Errorf("got %q, want myvalue", got)
		}
	})

	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("TEST_GET_ENV_KEY_MISSING")
		if got := getEnv("TEST_GET_ENV_KEY_MISSING", "fallback"); got != "fallback" {
			t.Errorf("got %q, want fallback", got)
		}
	})
}

func TestGetEnvAsInt(t *testing.T) {
	t.Run("valid int", func(t *testing.T) {
		os.Setenv("TEST_INT", "42")
		defer os.Unsetenv("TEST_INT")

		if got := getEnvAsInt("TEST_INT", 10); got != 42 {
			t.Errorf("got %d, want 42", got)
		}
	})

	t.Run("invalid int returns default", func(t *testing.T) {
		os.Setenv("TEST_INT_BAD", "not_a_number")
		defer os.Unsetenv("TEST_INT_BAD")

		if got := getEnvAsInt("TEST_INT_BAD", 99); got != 99 {
			t.Errorf("got %d, want 99", got)
		}
	})

	t.Run("unset returns default", func(t *testing.T) {
		os.Unsetenv("TEST_INT_MISSING")
		if got := getEnvAsInt("TEST_INT_MISSING", 7); got != 7 {
			t.Errorf("got %d, want 7", got)
		}
	})
}

func TestGetEnvAsBool(t *testing.T) {
	t.Run("valid bool", func(t *testing.T) {
		os.Setenv("TEST_BOOL", "false")
		defer os.Unsetenv("TEST_BOOL")

		if got := getEnvAsBool("TEST_BOOL", true); got != false {
			t.Errorf("got %v, want false", got)
		}
	})

	t.Run("unset returns default", func(t *testing.T) {
		os.Unsetenv("TEST_BOOL_MISSING")
		if got := getEnvAsBool("TEST_BOOL_MISSING", true); got != true {
			t.Errorf("got %v, want true", got)
		}
	})
}

func TestDeriveWSUrl(t *testing.T) {
	cases := []struct {
		apiBase string
		want    string
	}{
		{"https://cms.example.com", "wss://cms.example.com"},
		{"http://cms.example.com", "ws://cms.example.com"},
		{"cms.example.com", "cms.example.com"},
	}
	for _, tc := range cases {
		if got := deriveWSUrl(tc.apiBase); got != tc.want {
			t.Errorf("deriveWSUrl(%q) = %q, want %q", tc.apiBase, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		cfg := Defaults()
		cfg.APIBase = "https://cms.example.com"
		if err := Validate(cfg); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("missing apiBase fails", func(t *testing.T) {
		cfg := Defaults()
		if err := Validate(cfg); err == nil {
			t.Error("expected error for missing apiBase")
		}
	})

	t.Run("undersized cache fails", func(t *testing.T) {
		cfg := Defaults()
		cfg.APIBase = "https://cms.example.com"
		cfg.Cache.MaxBytes = 1024
		if err := Validate(cfg); err == nil {
			t.Error("expected error for undersized cache.maxBytes")
		}
	})

	t.Run("prefetch concurrency out of range fails", func(t *testing.T) {
		cfg := Defaults()
		cfg.APIBase = "https://cms.example.com"
		cfg.Cache.PrefetchConcurrency = 20
		if err := Validate(cfg); err == nil {
			t.Error("expected error for out-of-range prefetchConcurrency")
		}
	})

	t.Run("malformed power schedule fails only when enabled", func(t *testing.T) {
		cfg := Defaults()
		cfg.APIBase = "https://cms.example.com"
		cfg.Power.OnTime = "25:61"
		if err := Validate(cfg); err != nil {
			t.Errorf("expected no error while schedule disabled, got %v", err)
		}
		cfg.Power.ScheduleEnabled = true
		if err := Validate(cfg); err == nil {
			t.Error("expected error for malformed onTime once schedule enabled")
		}
	})

	t.Run("all violations reported", func(t *testing.T) {
		cfg := &Config{}
		err := Validate(cfg)
		if err == nil {
			t.Fatal("expected error")
		}
		if len(err.(interface{ Error() string }).Error()) == 0 {
			t.Error("expected non-empty error message")
		}
		if got := len(err.(*errs.ConfigError).Violations); got != 8 {
			t.Errorf("got %d violations, want 8 (one per unmet constraint of an empty config)", got)
		}
	})
}

func TestLoadPersistsDefaultsOnFirstBoot(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("HEXMON_API_BASE", "https://cms.example.com")
	defer os.Unsetenv("HEXMON_API_BASE")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIBase != "https://cms.example.com" {
		t.Errorf("got apiBase %q", cfg.APIBase)
	}

	path := filepath.Join(dir, FileName)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected config.json to be persisted: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestLoadRereadsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := Defaults()
	cfg.APIBase = "https://first-boot.example.com"
	cfg.DeviceID = "dev-persisted"
	if err := Persist(dir, cfg); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	// Env vars present at reload time must not override a persisted config.json.
	os.Setenv("HEXMON_API_BASE", "https://should-be-ignored.example.com")
	defer os.Unsetenv("HEXMON_API_BASE")

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.DeviceID != "dev-persisted" {
		t.Errorf("got deviceId %q, want dev-persisted", reloaded.DeviceID)
	}
	if reloaded.APIBase != "https://first-boot.example.com" {
		t.Errorf("got apiBase %q, want the persisted value", reloaded.APIBase)
	}
}

func TestWatcherPublishIsNonBlocking(t *testing.T) {
	w := NewWatcher()
	ch := w.Watch()

	w.Publish(Config{DeviceID: "dev-1"})
	select {
	case cfg := <-ch:
		if cfg.DeviceID != "dev-1" {
			t.Errorf("got deviceId %q", cfg.DeviceID)
		}
	default:
		t.Fatal("expected a published config to be received")
	}

	// A second publish with no reader ready must not block.
	done := make(chan struct{})
	go func() {
		w.Publish(Config{DeviceID: "dev-2"})
		close(done)
	}()
	<-done
}
