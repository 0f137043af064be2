package broker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"bunghole-remote-desktop/internal/config"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	cfg := config.Default()
	cfg.Server.RunDir = t.TempDir()

	b, err := New(cfg, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestHandleHealth(t *testing.T) {
	b := newTestBroker(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}

func TestHandleICEConfig(t *testing.T) {
	b := newTestBroker(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ice-config")
	if err != nil {
		t.Fatalf("GET /ice-config: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload struct {
		Servers []struct {
			URLs []string `json:"urls"`
		} `json:"servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Servers) == 0 {
		t.Fatalf("expected at least the default STUN server")
	}
}

func TestHandleSessionsRequiresAuth(t *testing.T) {
	b := newTestBroker(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a bearer token", resp.StatusCode)
	}
}

func TestHandleAdminListRejectsNonAdmin(t *testing.T) {
	b := newTestBroker(t)
	token, _, err := b.issuer.Issue("alice", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/admin/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /admin/sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a non-admin user", resp.StatusCode)
	}
}

func TestBearerFromHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	if got := bearerFromHeader(req); got != "abc123" {
		t.Fatalf("bearerFromHeader = %q, want abc123", got)
	}

	req2, _ := http.NewRequest(http.MethodGet, "/", nil)
	if got := bearerFromHeader(req2); got != "" {
		t.Fatalf("bearerFromHeader with no header = %q, want empty", got)
	}
}

func TestClientAddr(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:54321"
	if got := clientAddr(req); got != "203.0.113.5" {
		t.Fatalf("clientAddr = %q, want 203.0.113.5", got)
	}

	req2, _ := http.NewRequest(http.MethodGet, "/", nil)
	req2.RemoteAddr = "not-a-host-port"
	if got := clientAddr(req2); got != "not-a-host-port" {
		t.Fatalf("clientAddr fallback = %q, want the raw RemoteAddr", got)
	}
}
