// Package rendezvous implements the rendezvous server: peers register a
// username and their public endpoints, list each other, and optionally
// pair up so the server forwards frames between them.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server is the rendezvous server that coordinates WebSocket and HTTP handlers.
type Server struct {
	registry *Registry
	relays   *RelayTable
	handler  *Handler

	httpServer *http.Server
	mux        *http.ServeMux
	cfg        Config

	// Lifecycle
	shutdownOnce sync.Once
	done         chan struct{}

	Logger *logrus.Entry
}

// Config holds server configuration options.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	PongWait        time.Duration
	CleanupInterval time.Duration
	StaleTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxMessageSize  int64
	Logger          *logrus.Entry
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":9876",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		CleanupInterval: 1 * time.Minute,
		StaleTimeout:    5 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		MaxMessageSize:  1 << 20,
	}
}

// NewServer creates a new rendezvous server with the given configuration.
func NewServer(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	registry := NewRegistry()
	relays := NewRelayTable()
	handler := NewHandler(registry, relays)
	handler.SetUpgrader(NewGorillaUpgrader())
	handler.WriteTimeout = cfg.WriteTimeout
	handler.PingInterval = cfg.PingInterval
	handler.PongWait = cfg.PongWait
	handler.MaxMessageSize = cfg.MaxMessageSize
	handler.Logger = cfg.Logger

	s := &Server{
		registry: registry,
		relays:   relays,
		handler:  handler,
		mux:      http.NewServeMux(),
		cfg:      cfg,
		done:     make(chan struct{}),
		Logger:   cfg.Logger,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	// WebSocket endpoint
	s.mux.Handle("/ws", s.handler)

	// REST API endpoints
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/stats", s.handleStats)

	// Clients that dial the bare host upgrade on "/"
	s.mux.HandleFunc("/", s.handleRoot)
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:     s.HTTPHandler(),
		ReadTimeout: s.cfg.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log().WithField("addr", ln.Addr().String()).Info("rendezvous server listening")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.cleanupLoop(gctx)
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.log().Info("shutting down")
		close(s.done)

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}

		// Hijacked WebSocket connections are not closed by http.Server.
		s.registry.ForEach(func(peer *Peer) {
			peer.Close()
		})
	})
	return err
}

// cleanupLoop periodically disconnects peers that stopped answering pings.
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			stale := s.registry.Stale(s.cfg.StaleTimeout)
			for _, peer := range stale {
				// Closing ends the read loop, which runs the disconnect cleanup.
				peer.Close()
			}
			if len(stale) > 0 {
				s.log().WithField("removed", len(stale)).Info("cleanup: closed stale connections")
			}
		}
	}
}

// --- HTTP Handlers ---

// corsMiddleware adds CORS headers for cross-origin requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleRoot upgrades WebSocket requests and 404s everything else.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" && websocket.IsWebSocketUpgrade(r) {
		s.handler.ServeHTTP(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleStats returns server statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	registryStats := s.registry.Stats()
	relayStats := s.relays.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"peers": map[string]interface{}{
			"connections": registryStats.Connections,
			"registered":  registryStats.Registered,
		},
		"relays":    relayStats,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) log() *logrus.Entry {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger()).WithField("component", "rendezvous")
}

// Handler returns the WebSocket handler for configuration.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Registry returns the peer registry for external access.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Relays returns the relay table for external access.
func (s *Server) Relays() *RelayTable {
	return s.relays
}

// HTTPHandler returns the routed handler with CORS applied.
// Useful for embedding in custom routers and httptest servers.
func (s *Server) HTTPHandler() http.Handler {
	return s.corsMiddleware(s.mux)
}
