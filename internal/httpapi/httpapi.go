// Package httpapi exposes the loopback-only status/diagnostics/pairing
// surface the renderer process invokes back into the core: pairing
// request/status/complete, player state and status, device info,
// diagnostics, health, and default media, served as a small mux of JSON
// GET/POST handlers on a *http.Server.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/device"
	"github.com/hexmonsignage/device-agent/internal/pairing"
	"github.com/hexmonsignage/device-agent/pkg/models"
)

// StatusSource is the subset of player.Flow the API surfaces read-only.
type StatusSource interface {
	Status() models.PlayerStatus
	DeviceID() string
}

// DefaultMediaSource reports the current CMS-level fallback media, if any.
type DefaultMediaSource interface {
	Current() (models.DefaultMediaState, bool)
}

// Dependencies bundles everything the API delegates to. Profile and
// Pairing may be nil on a device that only ever pairs automatically at
// boot; /device and /pairing/request then answer 503, and with no pairing
// started /pairing/status and /pairing/complete answer 404.
type Dependencies struct {
	Status       StatusSource
	Profile      *device.Profile
	DefaultMedia DefaultMediaSource
	Pairing      *pairing.Service
	Version      string
}

// Server is a loopback-only HTTP API. It never binds a non-loopback
// address; callers choose the port via Addr (e.g. "127.0.0.1:8088").
type Server struct {
	http *http.Server
	deps Dependencies
	log  *zap.Logger

	mu      sync.Mutex
	session *pairing.Session
}

// New builds a Server bound to addr, with routes registered but not yet
// listening; call ListenAndServe to start it.
func New(addr string, deps Dependencies, logger *zap.Logger) *Server {
	s := &Server{deps: deps, log: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/device", s.handleDevice)
	mux.HandleFunc("/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/default-media", s.handleDefaultMedia)
	mux.HandleFunc("/pairing/request", s.handlePairingRequest)
	mux.HandleFunc("/pairing/status", s.handlePairingStatus)
	mux.HandleFunc("/pairing/complete", s.handlePairingComplete)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown is called.
func (s *Server) ListenAndServe() error {
	host, _, err := net.SplitHostPort(s.http.Addr)
	if err != nil {
		return fmt.Errorf("diagnostics API address %q: %w", s.http.Addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("diagnostics API address %q is not a loopback address", s.http.Addr)
	}
	s.log.Info("starting loopback diagnostics API", zap.String("addr", s.http.Addr))
	err = s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.deps.Version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "status source not wired"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status.Status())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Profile == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no device profile configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Profile)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag := map[string]interface{}{
		// No WebSocket control channel exists, only the polled command
		// channel, so wsState is always "disconnected".
		"wsState": "disconnected",
	}
	if s.deps.Status != nil {
		diag["status"] = s.deps.Status.Status()
		diag["deviceId"] = s.deps.Status.DeviceID()
	}
	writeJSON(w, http.StatusOK, diag)
}

func (s *Server) handleDefaultMedia(w http.ResponseWriter, r *http.Request) {
	if s.deps.DefaultMedia == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "default media source not wired"})
		return
	}
	state, ok := s.deps.DefaultMedia.Current()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no default media known"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePairingRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || s.deps.Pairing == nil || s.deps.Profile == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "pairing not available"})
		return
	}

	session, err := s.deps.Pairing.RequestPairingCode(r.Context(), s.deps.Profile)
	if err != nil {
		s.log.Warn("pairing code request failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pairingCode": session.PairingCode,
		"deviceId":    session.DeviceID,
		"expiresAt":   session.ExpiresAt,
	})
}

func (s *Server) handlePairingStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()

	if session == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pairing in progress"})
		return
	}

	paired, err := s.deps.Pairing.FetchPairingStatus(r.Context(), session)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"paired": paired, "state": session.State})
}

func (s *Server) handlePairingComplete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()

	if r.Method != http.MethodPost || session == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pairing in progress"})
		return
	}

	if err := s.deps.Pairing.SubmitPairing(r.Context(), session); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paired", "deviceId": session.DeviceID})
}
