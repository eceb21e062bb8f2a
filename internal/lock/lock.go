// Package lock implements the whole-host single-instance lock the device
// runtime needs at startup: a second attempt to start the runtime on the
// same host exits immediately rather than contending with the first.
// Grounded on the same invariant the pack's lib/git.RunLocked enforces by
// shelling out to flock(1) around short git fetches; here the lock is
// held directly via syscall.Flock for the entire process lifetime instead
// of one command's duration, since a long-running daemon holding a
// subprocess open for its whole life would be the wrong shape.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Handle holds an acquired exclusive lock for the lifetime of the process
// that acquired it. Release drops the lock and removes nothing (the lock
// file itself is left in place so the next boot can reuse it).
type Handle struct {
	file *os.File
}

// Acquire takes an exclusive, non-blocking lock on a file at path (created
// if it does not exist). ErrAlreadyLocked is returned when another process
// already holds it.
func Acquire(path string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrAlreadyLocked
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	_ = f.Truncate(0)
	_, _ = f.WriteString(fmt.Sprintf("%d\n", os.Getpid()))

	return &Handle{file: f}, nil
}

// ErrAlreadyLocked is returned when another process already holds the
// whole-host lock.
var ErrAlreadyLocked = fmt.Errorf("another instance is already running")

// Release drops the lock and closes the underlying file handle.
func (h *Handle) Release() error {
	if err := syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN); err != nil {
		h.file.Close()
		return fmt.Errorf("unlocking: %w", err)
	}
	return h.file.Close()
}
