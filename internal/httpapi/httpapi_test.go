package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/pkg/models"
)

type fakeStatus struct {
	status   models.PlayerStatus
	deviceID string
}

func (f fakeStatus) Status() models.PlayerStatus { return f.status }
func (f fakeStatus) DeviceID() string            { return f.deviceID }

func TestHandleHealthAndStatus(t *testing.T) {
	deps := Dependencies{
		Status:  fakeStatus{status: models.PlayerStatus{State: models.StatePlaybackRunning, DeviceID: "dev-1"}, deviceID: "dev-1"},
		Version: "1.2.3",
	}
	srv := New("127.0.0.1:0", deps, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /status, got %d", rec.Code)
	}
	var status models.PlayerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.DeviceID != "dev-1" || status.State != models.StatePlaybackRunning {
		t.Fatalf("unexpected status payload: %+v", status)
	}
}

func TestHandleDefaultMediaUnavailableWithoutSource(t *testing.T) {
	srv := New("127.0.0.1:0", Dependencies{}, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/default-media", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no default media source, got %d", rec.Code)
	}
}

func TestHandlePairingRequestUnavailableWithoutPairingService(t *testing.T) {
	srv := New("127.0.0.1:0", Dependencies{}, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pairing/request", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no pairing service wired, got %d", rec.Code)
	}
}
