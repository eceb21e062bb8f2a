// Package httpclient implements the mTLS-capable HTTP transport every
// other component uses to reach the backend: a small struct wrapping an
// *http.Client that owns configuration, a zap logger, and error
// classification.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/errs"
)

const DefaultTimeout = 30 * time.Second

// CredentialPaths points at the PEM files used for mTLS. All three fields
// are required for mTLS to be attached to outgoing requests.
type CredentialPaths struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// Client wraps net/http with mTLS material, request timeouts, and status
// classification, so every upstream caller sees the same error taxonomy.
type Client struct {
	http    *http.Client
	baseURL string
	logger  *zap.Logger
}

// New builds a Client for baseURL. If creds is non-nil and all three files
// exist, outgoing requests present the client certificate and trust the
// given CA.
func New(baseURL string, creds *CredentialPaths, logger *zap.Logger) (*Client, error) {
	transport := &http.Transport{}

	if creds != nil && credentialsPresent(*creds) {
		cert, err := tls.LoadX509KeyPair(creds.CertPath, creds.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client keypair: %w", err)
		}

		caBytes, err := os.ReadFile(creds.CAPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("no valid CA certificates found in %s", creds.CAPath)
		}

		transport.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
		}
		logger.Info("HTTP client configured with mTLS credentials", zap.String("caPath", creds.CAPath))
	}

	return &Client{
		http:    &http.Client{Transport: transport, Timeout: DefaultTimeout},
		baseURL: baseURL,
		logger:  logger,
	}, nil
}

func credentialsPresent(c CredentialPaths) bool {
	for _, p := range []string{c.CertPath, c.KeyPath, c.CAPath} {
		if p == "" {
			return false
		}
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Get issues a GET request against baseURL+path and decodes the JSON
// response body into out (if non-nil). Status codes are classified via
// errs.ClassifyHTTPStatus so callers branch on error kind, not strings.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST request with a JSON-encoded body and decodes the JSON
// response into out (if non-nil).
func (c *Client) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := fmt.Sprintf("%s %s", method, path)

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body for %s: %w", op, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("HTTP request failed", zap.String("op", op), zap.Error(err))
		return &errs.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("reading response body for %s: %w", op, readErr)
	}

	if classified := errs.ClassifyHTTPStatus(op, resp.StatusCode); classified != nil {
		return classified
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &errs.ParseError{Reason: fmt.Sprintf("decoding response for %s", op), Err: err}
		}
	}

	c.logger.Debug("HTTP request completed", zap.String("op", op), zap.Int("status", resp.StatusCode))
	return nil
}

// Download streams a GET response body to w, verifying only the HTTP status
// (integrity checking of the bytes is the cache manager's job). The signed
// URL passed here is not necessarily the configured baseURL, so a fresh
// request is issued without the baseURL prefix.
func (c *Client) Download(ctx context.Context, url string, w io.Writer) (int64, error) {
	op := fmt.Sprintf("GET %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("building download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &errs.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if classified := errs.ClassifyHTTPStatus(op, resp.StatusCode); classified != nil {
		return 0, classified
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("streaming download body for %s: %w", op, err)
	}
	return n, nil
}

// ConnectivityResult is the outcome of a reachability probe.
type ConnectivityResult struct {
	Reachable bool
	Status    int
	Err       error
	Latency   time.Duration
}

// CheckConnectivityDetailed probes the backend's health endpoint and reports
// reachability plus latency. Any status below 500 counts as reachable.
func (c *Client) CheckConnectivityDetailed(ctx context.Context, path string) ConnectivityResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return ConnectivityResult{Err: err}
	}

	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return ConnectivityResult{Reachable: false, Err: err, Latency: latency}
	}
	defer resp.Body.Close()

	return ConnectivityResult{
		Reachable: resp.StatusCode < 500,
		Status:    resp.StatusCode,
		Latency:   latency,
	}
}
