package lock

import (
	"path/filepath"
	"testing"
)

func TestAcquireRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.lock")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire first: %v", err)
	}
	defer first.Release()

	if _, err := Acquire(path); err != ErrAlreadyLocked {
		t.Fatalf("expected ErrAlreadyLocked for a second holder, got %v", err)
	}
}

func TestAcquireSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.lock")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire first: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer second.Release()
}
