// Package server exposes node snapshots to visualization consumers over HTTP
// and WebSocket, alongside health and Prometheus endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"climate_monitor/telemetry"
)

// SnapshotSource yields node state with liveness evaluated at now.
// Implemented by *store.Store.
type SnapshotSource interface {
	SnapshotAt(now time.Time, timeout time.Duration) telemetry.Snapshot
}

// Server serves snapshots. Every read goes through SnapshotAt so statuses are
// always current, even between liveness monitor ticks.
type Server struct {
	nodes        SnapshotSource
	clock        clock.Clock
	timeout      time.Duration
	pushInterval time.Duration
	metrics      http.Handler
	connected    func() bool
	onSnapshot   func(online, offline int)
	thresholds   telemetry.Thresholds
	expected     []string
	log          *slog.Logger
	hub          *hub
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the clock used for liveness and generated_at.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLivenessTimeout sets the offline threshold applied before each read.
func WithLivenessTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithPushInterval sets how often WebSocket clients receive a snapshot.
func WithPushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pushInterval = d
		}
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithBrokerStatus reports broker connectivity on /health.
func WithBrokerStatus(connected func() bool) Option {
	return func(s *Server) { s.connected = connected }
}

// WithSnapshotObserver is called with node counts after every snapshot.
func WithSnapshotObserver(f func(online, offline int)) Option {
	return func(s *Server) { s.onSnapshot = f }
}

// WithThresholds sets the alert thresholds applied to each node's latest reading.
func WithThresholds(t telemetry.Thresholds) Option {
	return func(s *Server) { s.thresholds = t }
}

// WithExpectedNodes lists nodes reported as pending until their first reading.
func WithExpectedNodes(ids []string) Option {
	return func(s *Server) { s.expected = append([]string(nil), ids...) }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a server reading from nodes.
func New(nodes SnapshotSource, opts ...Option) *Server {
	s := &Server{
		nodes:        nodes,
		clock:        clock.New(),
		timeout:      30 * time.Second,
		pushInterval: time.Second,
		thresholds:   telemetry.DefaultThresholds(),
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.log)
	return s
}

// Snapshot builds the current view.
func (s *Server) Snapshot() View {
	now := s.clock.Now()
	v := newView(now, s.nodes.SnapshotAt(now, s.timeout), s.thresholds, s.expected)
	if s.onSnapshot != nil {
		s.onSnapshot(v.Online, v.Offline)
	}
	return v
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/nodes", s.handleNodes)
	mux.HandleFunc("GET /api/nodes/{id}", s.handleNode)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v := s.Snapshot()
	node, ok := v.Nodes[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown node " + id})
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	broker := "unknown"
	if s.connected != nil {
		broker = "disconnected"
		if s.connected() {
			broker = "connected"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "broker": broker})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.hub.add(conn)

	// Greet with the current state instead of waiting for the next tick.
	if data, err := json.Marshal(s.Snapshot()); err == nil {
		s.hub.send(conn, data)
	}
	go s.hub.readLoop(conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Push broadcasts one snapshot to every WebSocket client.
func (s *Server) Push() {
	if s.hub.len() == 0 {
		return
	}
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		s.log.Error("failed to encode snapshot", "error", err)
		return
	}
	s.hub.broadcast(data)
}

// Run serves on addr and pushes snapshots every push interval until ctx is
// done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "address", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	ticker := s.clock.Ticker(s.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Push()
		case err := <-errc:
			s.hub.closeAll()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			s.hub.closeAll()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := srv.Shutdown(shutdownCtx)
			s.log.Info("http server stopped")
			return err
		}
	}
}
