package screenshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStubCaptureWritesFileAndReturnsKey(t *testing.T) {
	dir := t.TempDir()
	stub := NewLocalStub(dir, "dev-1")

	key, err := stub.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if filepath.Dir(key) != "screenshots" {
		t.Fatalf("expected object key under screenshots/, got %s", key)
	}

	name := filepath.Base(key)
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		t.Fatalf("expected captured file to exist: %v", err)
	}
}

func TestLocalStubCaptureIsUniquePerCall(t *testing.T) {
	dir := t.TempDir()
	stub := NewLocalStub(dir, "dev-1")

	k1, err := stub.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	k2, err := stub.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("expected distinct object keys, got %s twice", k1)
	}
}
