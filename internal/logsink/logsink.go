// Package logsink implements a local rotating-file log sink so a device
// with no external log shipper configured keeps bounded, compressed
// history on disk. Rotation is size- and interval-triggered by
// Options.RotationSizeBytes/RotationInterval, and rotated
// files are gzip-compressed with github.com/klauspost/compress/gzip when
// enabled.
package logsink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Sink is the contract the rest of the runtime's logging needs: an
// io.Writer that rotates itself. zap's WriteSyncer is satisfied by *File
// directly via the Sync method.
type Sink interface {
	io.Writer
	Sync() error
	Close() error
}

// Options configures a rotating file Sink.
type Options struct {
	Dir                 string
	FileName            string
	RotationSizeBytes   int64
	RotationInterval    time.Duration
	CompressionEnabled  bool
}

// File is a size- and interval-rotating append-only log file.
type File struct {
	opts Options

	mu          sync.Mutex
	f           *os.File
	size        int64
	openedAt    time.Time
}

// New opens (or creates) the active log file under opts.Dir. An existing
// file left over from a previous run is appended to, not rotated at open;
// its age for interval rotation counts from this open.
func New(opts Options) (*File, error) {
	if opts.FileName == "" {
		opts.FileName = "device.log"
	}
	if opts.RotationSizeBytes <= 0 {
		opts.RotationSizeBytes = 50 * 1024 * 1024
	}
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = 24 * time.Hour
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	file := &File{opts: opts}
	if err := file.openLocked(); err != nil {
		return nil, err
	}
	return file, nil
}

func (f *File) path() string { return filepath.Join(f.opts.Dir, f.opts.FileName) }

func (f *File) openLocked() error {
	fh, err := os.OpenFile(f.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return fmt.Errorf("statting log file: %w", err)
	}
	f.f = fh
	f.size = info.Size()
	f.openedAt = time.Now()
	return nil
}

// Write implements io.Writer, rotating first if the write would exceed the
// configured size or the file has aged past the rotation interval.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.shouldRotateLocked(int64(len(p))) {
		if err := f.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := f.f.Write(p)
	f.size += int64(n)
	return n, err
}

func (f *File) shouldRotateLocked(nextWrite int64) bool {
	if f.size+nextWrite > f.opts.RotationSizeBytes {
		return true
	}
	return time.Since(f.openedAt) > f.opts.RotationInterval
}

func (f *File) rotateLocked() error {
	if err := f.f.Close(); err != nil {
		return fmt.Errorf("closing log file before rotation: %w", err)
	}

	rotatedName := fmt.Sprintf("%s.%s", f.path(), time.Now().Format("20060102T150405"))
	if err := os.Rename(f.path(), rotatedName); err != nil {
		return fmt.Errorf("renaming rotated log file: %w", err)
	}

	if f.opts.CompressionEnabled {
		if err := compressFile(rotatedName); err != nil {
			return fmt.Errorf("compressing rotated log file: %w", err)
		}
	}

	return f.openLocked()
}

func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}

// Sync flushes the underlying file, satisfying zapcore.WriteSyncer.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Sync()
}

// Close releases the underlying file handle.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Close()
}
