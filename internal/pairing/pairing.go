// Package pairing implements the device pairing state machine:
// UNPAIRED → REQUESTED → CONFIRMED → CERT_ISSUED, with an EXPIRED branch
// back to UNPAIRED when a pairing code lapses. It drives
// internal/httpclient for the exchange and internal/certs for key
// material.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/certs"
	"github.com/hexmonsignage/device-agent/internal/device"
	"github.com/hexmonsignage/device-agent/internal/errs"
)

// State is the pairing service's own state machine node, distinct from the
// top-level player state.
type State string

const (
	StateUnpaired  State = "UNPAIRED"
	StateRequested State = "REQUESTED"
	StateConfirmed State = "CONFIRMED"
	StateIssued    State = "CERT_ISSUED"
	StateExpired   State = "EXPIRED"
)

// Poster is the subset of httpclient.Client the pairing service needs.
type Poster interface {
	Post(ctx context.Context, path string, body interface{}, out interface{}) error
	Get(ctx context.Context, path string, out interface{}) error
}

type codeRequest struct {
	DeviceLabel string   `json:"deviceLabel"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	Orientation string   `json:"orientation"`
	AspectRatio string   `json:"aspectRatio,omitempty"`
	Model       string   `json:"model,omitempty"`
	Codecs      []string `json:"codecs,omitempty"`
}

type codeResponse struct {
	PairingCode string `json:"pairingCode"`
	DeviceID    string `json:"deviceId"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
	ExpiresIn   int    `json:"expiresIn,omitempty"`
}

type statusResponse struct {
	Paired bool `json:"paired"`
}

type completeRequest struct {
	PairingCode string `json:"pairingCode"`
	CSR         string `json:"csr"`
}

type completeResponse struct {
	Certificate string `json:"certificate"`
	CA          string `json:"ca"`
}

// Session tracks one in-progress pairing attempt.
type Session struct {
	State       State
	DeviceID    string
	PairingCode string
	ExpiresAt   time.Time
}

// Service drives the pairing state machine against the backend.
type Service struct {
	client  Poster
	certMgr *certs.Manager
	logger  *zap.Logger
}

// NewService constructs a pairing Service bound to client and certMgr.
func NewService(client Poster, certMgr *certs.Manager, logger *zap.Logger) *Service {
	return &Service{client: client, certMgr: certMgr, logger: logger}
}

// RequestPairingCode asks the backend for a new pairing code describing
// profile, transitioning the session to REQUESTED.
func (s *Service) RequestPairingCode(ctx context.Context, profile *device.Profile) (*Session, error) {
	req := codeRequest{
		DeviceLabel: profile.Label,
		Width:       profile.Width,
		Height:      profile.Height,
		Orientation: profile.Orientation,
		AspectRatio: profile.AspectRatio,
		Model:       profile.Model,
		Codecs:      profile.Codecs,
	}

	var resp codeResponse
	if err := s.client.Post(ctx, "/v1/device/pairing/code", req, &resp); err != nil {
		return nil, fmt.Errorf("requesting pairing code: %w", err)
	}

	expiresAt := deriveExpiry(resp.ExpiresAt, resp.ExpiresIn)
	session := &Session{
		State:       StateRequested,
		DeviceID:    resp.DeviceID,
		PairingCode: resp.PairingCode,
		ExpiresAt:   expiresAt,
	}
	s.logger.Info("pairing code issued",
		zap.String("deviceId", session.DeviceID), zap.Time("expiresAt", session.ExpiresAt))
	return session, nil
}

func deriveExpiry(expiresAt string, expiresInSeconds int) time.Time {
	if expiresAt != "" {
		if t, err := time.Parse(time.RFC3339, expiresAt); err == nil {
			return t
		}
	}
	if expiresInSeconds > 0 {
		return time.Now().Add(time.Duration(expiresInSeconds) * time.Second)
	}
	return time.Now().Add(10 * time.Minute)
}

// FetchPairingStatus polls the backend once and reports whether the
// operator has confirmed the pairing code. A session past its ExpiresAt,
// or a 404 from the backend, marks the session EXPIRED and returns an error.
func (s *Service) FetchPairingStatus(ctx context.Context, session *Session) (bool, error) {
	if time.Now().After(session.ExpiresAt) {
		session.State = StateExpired
		return false, fmt.Errorf("pairing code expired at %s", session.ExpiresAt)
	}

	var resp statusResponse
	if err := s.client.Get(ctx, "/v1/device/pairing/status", &resp); err != nil {
		var notFound *errs.NotFoundError
		if errors.As(err, &notFound) {
			session.State = StateExpired
			return false, fmt.Errorf("pairing code rejected as unknown: %w", err)
		}
		return false, fmt.Errorf("polling pairing status: %w", err)
	}

	if resp.Paired {
		session.State = StateConfirmed
	}
	return resp.Paired, nil
}

// SubmitPairing generates a fresh keypair/CSR for session.DeviceID,
// uploads it, and installs the returned certificate and CA via certMgr.
// On a 404 response (code expired or unknown), it marks the session EXPIRED
// and returns the wrapped errs.NotFoundError so the caller can request a
// brand new code.
func (s *Service) SubmitPairing(ctx context.Context, session *Session) error {
	csrPEM, err := s.certMgr.GenerateCSR(session.DeviceID)
	if err != nil {
		return fmt.Errorf("generating device keypair: %w", err)
	}

	req := completeRequest{PairingCode: session.PairingCode, CSR: string(csrPEM)}
	var resp completeResponse
	if err := s.client.Post(ctx, "/v1/device/pairing/complete", req, &resp); err != nil {
		var notFound *errs.NotFoundError
		if errors.As(err, &notFound) {
			session.State = StateExpired
		}
		return fmt.Errorf("submitting pairing: %w", err)
	}

	if err := s.certMgr.InstallCertificate([]byte(resp.Certificate), []byte(resp.CA)); err != nil {
		return fmt.Errorf("installing issued certificate: %w", err)
	}

	session.State = StateIssued
	s.logger.Info("pairing completed, certificate installed", zap.String("deviceId", session.DeviceID))
	return nil
}
