package registry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialTestWebsocket spins up a throwaway httptest server that upgrades
// the connection and echoes nothing back, returning the client-side
// *websocket.Conn. Each call produces a distinct, live connection, which
// AttachBrowser's prior-!=-nil replace detection needs to exercise at all.
func dialTestWebsocket(t *testing.T) *websocket.Conn {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					conn.Close()
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial test websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAtMostOneTab(t *testing.T) {
	r := New(nil)
	defer r.Stop()
	s, err := r.Create("alice", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first := s.AttachBrowser(dialTestWebsocket(t))
	if first.Replaced {
		t.Fatalf("first attach should not report a replacement")
	}
	second := s.AttachBrowser(dialTestWebsocket(t))
	if !second.Replaced {
		t.Fatalf("second attach onto an already-attached session must report replaced")
	}
}

func TestReleaseGraceCancelledByReattach(t *testing.T) {
	r := New(nil)
	defer r.Stop()
	s, _ := r.Create("alice", time.Hour)

	terminated := make(chan struct{}, 1)
	r.Release(s, func() { terminated <- struct{}{} })

	// Reattach before the timer fires cancels it.
	s.AttachBrowser(nil)

	select {
	case <-terminated:
		t.Fatalf("release timer should have been cancelled by reattach")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReleaseGraceFiresWithoutReattach(t *testing.T) {
	r := New(nil)
	defer r.Stop()
	s, _ := r.Create("alice", time.Hour)

	terminated := make(chan struct{}, 1)
	s.mu.Lock()
	s.releaseTimer = time.AfterFunc(20*time.Millisecond, func() { terminated <- struct{}{} })
	s.mu.Unlock()

	select {
	case <-terminated:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("release timer should have fired")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	r := New(nil)
	defer r.Stop()
	s, _ := r.Create("alice", time.Hour)

	r.Terminate(s, "test")
	r.Terminate(s, "test-again")

	if s.State() != Dead {
		t.Fatalf("expected Dead, got %v", s.State())
	}
	if _, err := r.Get(s.ID); err == nil {
		t.Fatalf("terminated session should be removed from the table")
	}
}
