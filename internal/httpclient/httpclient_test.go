package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/hexmonsignage/device-agent/internal/errs"
)

type echoBody struct {
	Name string `json:"name"`
}

func TestGetDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(echoBody{Name: "snapshot"})
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var out echoBody
	if err := c.Get(context.Background(), "/snapshot", &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out.Name != "snapshot" {
		t.Errorf("got %q, want snapshot", out.Name)
	}
}

func TestPostSendsBody(t *testing.T) {
	var received echoBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := c.Post(context.Background(), "/commands/ack", echoBody{Name: "ack"}, nil); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if received.Name != "ack" {
		t.Errorf("got %q, want ack", received.Name)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, func(err error) bool {
			var ae *errs.AuthError
			return errors.As(err, &ae)
		}},
		{http.StatusNotFound, func(err error) bool {
			var nfe *errs.NotFoundError
			return errors.As(err, &nfe)
		}},
		{http.StatusInternalServerError, func(err error) bool {
			var ne *errs.NetworkError
			return errors.As(err, &ne)
		}},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		c, err := New(srv.URL, nil, zap.NewNop())
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		gotErr := c.Get(context.Background(), "/x", nil)
		if !tc.check(gotErr) {
			t.Errorf("status %d: unexpected error classification: %v", tc.status, gotErr)
		}
		srv.Close()
	}
}

func TestCheckConnectivityDetailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := c.CheckConnectivityDetailed(context.Background(), "/health")
	if !result.Reachable {
		t.Errorf("expected reachable, got %+v", result)
	}
}

func TestNewIgnoresIncompleteCredentials(t *testing.T) {
	c, err := New("https://example.com", &CredentialPaths{CertPath: "/does/not/exist"}, zap.NewNop())
	if err != nil {
		t.Fatalf("expected no error when credentials are incomplete, got %v", err)
	}
	if c == nil {
		t.Fatal("expected a client even without mTLS credentials")
	}
}
