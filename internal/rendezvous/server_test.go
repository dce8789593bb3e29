package rendezvous

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestServer() *Server {
	logger, _ := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.Logger = logrus.NewEntry(logger)
	return NewServer(cfg)
}

func TestServerHealthEndpoint(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	server.HTTPHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if response["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%v'", response["status"])
	}

	if _, ok := response["timestamp"]; !ok {
		t.Error("response should include timestamp")
	}
}

func TestServerHealthMethodNotAllowed(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest("POST", "/health", nil)
	w := httptest.NewRecorder()

	server.HTTPHandler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestServerStatsEndpoint(t *testing.T) {
	server := newTestServer()

	alice := server.Registry().Add(NewPeer("", NewMockConn()))
	bob := server.Registry().Add(NewPeer("", NewMockConn()))
	server.Registry().Add(NewPeer("", NewMockConn()))
	server.Registry().Register(alice, Registration{Username: "alice"})
	server.Registry().Register(bob, Registration{Username: "bob"})
	server.Relays().Pair(alice, bob)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()

	server.HTTPHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var response struct {
		Peers struct {
			Connections int `json:"connections"`
			Registered  int `json:"registered"`
		} `json:"peers"`
		Relays RelayStats `json:"relays"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if response.Peers.Connections != 3 {
		t.Errorf("expected 3 connections, got %d", response.Peers.Connections)
	}
	if response.Peers.Registered != 2 {
		t.Errorf("expected 2 registered, got %d", response.Peers.Registered)
	}
	if response.Relays.ActiveSessions != 1 {
		t.Errorf("expected 1 relay session, got %d", response.Relays.ActiveSessions)
	}
}

func TestServerNotFound(t *testing.T) {
	server := newTestServer()

	for _, path := range []string{"/", "/nope"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()

		server.HTTPHandler().ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", path, w.Code)
		}
	}
}

func TestServerCORSPreflight(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest("OPTIONS", "/api/stats", nil)
	w := httptest.NewRecorder()

	server.HTTPHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS origin '*', got %q", got)
	}
}

func TestServerWebSocketRoutes(t *testing.T) {
	server := newTestServer()
	ts := httptest.NewServer(server.HTTPHandler())
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http")

	for _, path := range []string{"/ws", "/"} {
		conn, _, err := websocket.DefaultDialer.Dial(base+path, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", path, err)
		}

		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request_peer"}`)); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !strings.Contains(string(data), `"peer_list"`) {
			t.Errorf("%s: unexpected reply %s", path, data)
		}
		conn.Close()
	}
}

func TestServerRunShutdown(t *testing.T) {
	server := newTestServer()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/ws"
	var conn *websocket.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	// Shutdown closes hijacked connections too.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
}
