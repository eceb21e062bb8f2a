// Package certs manages the device's mTLS key material: generating an RSA
// keypair and PKCS#10 certificate signing request, and persisting the
// issued certificate, private key, and CA bundle to disk.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	keyBits      = 2048
	organization = "HexmonSignage"
	metaFileName = "cert-meta.json"
	certFileName = "client.crt"
	keyFileName  = "client.key"
	csrFileName  = "client.csr"
	caFileName   = "ca.crt"
)

// Meta records bookkeeping about the currently installed certificate,
// persisted alongside the PEM files so renewal checks don't need to
// re-parse the certificate on every poll.
type Meta struct {
	NotBefore      time.Time `json:"notBefore"`
	NotAfter       time.Time `json:"notAfter"`
	SerialHex      string    `json:"serialHex"`
	Subject        string    `json:"subject"`
	Issuer         string    `json:"issuer"`
	FingerprintHex string    `json:"fingerprintHex"`
	IssuedAt       time.Time `json:"issuedAt"`
}

// Manager owns the on-disk location of the device's mTLS material.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at dir (typically the device state
// directory's "certs" subdirectory).
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

func (m *Manager) certPath() string { return filepath.Join(m.dir, certFileName) }
func (m *Manager) keyPath() string  { return filepath.Join(m.dir, keyFileName) }
func (m *Manager) csrPath() string  { return filepath.Join(m.dir, csrFileName) }
func (m *Manager) caPath() string   { return filepath.Join(m.dir, caFileName) }
func (m *Manager) metaPath() string { return filepath.Join(m.dir, metaFileName) }

// CertPath, KeyPath, and CAPath expose the file locations so callers (e.g.
// internal/httpclient.CredentialPaths) can wire them directly.
func (m *Manager) CertPath() string { return m.certPath() }
func (m *Manager) KeyPath() string  { return m.keyPath() }
func (m *Manager) CAPath() string   { return m.caPath() }

// GenerateCSR creates a new RSA-2048 keypair (persisting the private key
// immediately at 0600) and returns a PEM-encoded PKCS#10 certificate
// signing request with CN=deviceID, O=HexmonSignage, ready to submit to
// the pairing confirmation endpoint. The CSR is also written to client.csr;
// nothing reads that file back, and every call generates a new keypair.
func (m *Manager) GenerateCSR(deviceID string) (csrPEM []byte, err error) {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return nil, fmt.Errorf("creating certs directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}

	template := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   deviceID,
			Organization: []string{organization},
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate signing request: %w", err)
	}

	keyDER := x509.MarshalPKCS1PrivateKey(key)
	keyPEMBlock := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(m.keyPath(), keyPEMBlock, 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}

	csrPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	if err := os.WriteFile(m.csrPath(), csrPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing certificate signing request: %w", err)
	}
	return csrPEM, nil
}

// InstallCertificate persists an issued device certificate and the CA
// bundle it chains to, both PEM-encoded, and records metadata used by
// NeedsRenewal.
func (m *Manager) InstallCertificate(certPEM, caPEM []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("decoding issued certificate: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parsing issued certificate: %w", err)
	}

	if err := os.WriteFile(m.certPath(), certPEM, 0600); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}
	if err := os.WriteFile(m.caPath(), caPEM, 0600); err != nil {
		return fmt.Errorf("writing CA bundle: %w", err)
	}

	sum := fingerprint(cert.Raw)
	meta := Meta{
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
		SerialHex:      fmt.Sprintf("%x", cert.SerialNumber),
		Subject:        cert.Subject.String(),
		Issuer:         cert.Issuer.String(),
		FingerprintHex: fmt.Sprintf("%x", sum[:]),
		IssuedAt:       time.Now(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding certificate metadata: %w", err)
	}
	return os.WriteFile(m.metaPath(), data, 0600)
}

// LoadMeta reads the persisted certificate metadata.
func (m *Manager) LoadMeta() (*Meta, error) {
	data, err := os.ReadFile(m.metaPath())
	if err != nil {
		return nil, fmt.Errorf("reading certificate metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing certificate metadata: %w", err)
	}
	return &meta, nil
}

// HasCertificate reports whether a complete set of mTLS material is on
// disk: the device certificate, its private key, and the CA bundle. A
// certificate without its key is useless for mTLS, so it does not count.
func (m *Manager) HasCertificate() bool {
	for _, path := range []string{m.certPath(), m.keyPath(), m.caPath()} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// NeedsRenewal reports whether the installed certificate expires within
// renewBeforeDays, or is already expired. A device with no installed
// certificate always needs renewal.
func (m *Manager) NeedsRenewal(renewBeforeDays int) (bool, error) {
	if !m.HasCertificate() {
		return true, nil
	}
	meta, err := m.LoadMeta()
	if err != nil {
		return false, err
	}
	threshold := time.Now().AddDate(0, 0, renewBeforeDays)
	return meta.NotAfter.Before(threshold), nil
}

// VerifyCertificate checks that the full set of mTLS material is present,
// the certificate parses and chains to the installed CA, and the current
// time falls within the certificate's validity window.
func (m *Manager) VerifyCertificate() error {
	if _, err := os.Stat(m.keyPath()); err != nil {
		return fmt.Errorf("private key missing: %w", err)
	}

	certPEM, err := os.ReadFile(m.certPath())
	if err != nil {
		return fmt.Errorf("reading certificate: %w", err)
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("decoding certificate: no PEM block found")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parsing certificate: %w", err)
	}

	caPEM, err := os.ReadFile(m.caPath())
	if err != nil {
		return fmt.Errorf("reading CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return fmt.Errorf("no valid CA certificates found")
	}

	if _, err := cert.Verify(x509.VerifyOptions{Roots: pool}); err != nil {
		return fmt.Errorf("verifying certificate chain: %w", err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate not valid until %s", cert.NotBefore)
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate expired at %s", cert.NotAfter)
	}
	return nil
}

// DeleteCertificates removes all persisted mTLS material, used when a
// device is unpaired or a certificate is irrecoverably rejected.
func (m *Manager) DeleteCertificates() error {
	for _, path := range []string{m.certPath(), m.keyPath(), m.csrPath(), m.caPath(), m.metaPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}
	return nil
}

// fingerprint returns the sha256 fingerprint of a DER-encoded certificate,
// recorded as FingerprintHex in cert-meta.json.
func fingerprint(der []byte) [32]byte {
	return sha256.Sum256(der)
}
