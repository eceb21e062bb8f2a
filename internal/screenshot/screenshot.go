// Package screenshot specifies the contract the command processor uses to
// fulfill SCREENSHOT commands. Actual frame capture happens in the kiosk
// window host; this package only names the interface and provides a
// local-file stand-in useful for tests and headless deployments.
package screenshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Capturer grabs the current on-screen frame and uploads it, returning the
// object key the backend can use to retrieve it.
type Capturer interface {
	Capture(ctx context.Context) (objectKey string, err error)
}

// LocalStub writes a zero-byte placeholder file under dir named after the
// capture time and returns its relative path as the object key. It exists
// so the command processor has something to exercise in environments with
// no attached renderer process.
type LocalStub struct {
	dir      string
	deviceID string
}

// NewLocalStub constructs a LocalStub rooted at dir.
func NewLocalStub(dir, deviceID string) *LocalStub {
	return &LocalStub{dir: dir, deviceID: deviceID}
}

func (s *LocalStub) Capture(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%d.png", s.deviceID, time.Now().UnixNano())
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte{}, 0o644); err != nil {
		return "", err
	}

	return filepath.Join("screenshots", name), nil
}
