package netbroker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestControlServerListsSessionsAndServices(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, NoAuthBackend{})
	ctl := NewControlServer(mgr)

	server := httptest.NewServer(ctl)
	defer server.Close()

	resp, err := http.Get(server.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var sessions []jsonOutSession
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(sessions))
	}

	resp2, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", resp2.StatusCode)
	}
}

func TestControlServerSessionNotFound(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, NoAuthBackend{})
	ctl := NewControlServer(mgr)

	server := httptest.NewServer(ctl)
	defer server.Close()

	resp, err := http.Get(server.URL + "/sessions/127.0.0.1:9999")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
