package logsink

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	f, err := New(Options{Dir: dir, FileName: "device.log", RotationSizeBytes: 16, RotationInterval: time.Hour, CompressionEnabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("0123456789")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := f.Write([]byte("0123456789")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected a rotated file in addition to the active log, got %d entries", len(entries))
	}

	foundCompressed := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".gz" {
			foundCompressed = true
		}
	}
	if !foundCompressed {
		t.Fatal("expected rotated file to be gzip-compressed when compression is enabled")
	}
}

func TestFileWritesWithoutRotationUnderThreshold(t *testing.T) {
	dir := t.TempDir()
	f, err := New(Options{Dir: dir, FileName: "device.log", RotationSizeBytes: 1024 * 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log file, got %d", len(entries))
	}
}
