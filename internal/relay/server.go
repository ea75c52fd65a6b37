package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/navrelay/internal/monitoring"
	"github.com/banshee-data/navrelay/internal/timeutil"
)

var wsLogf = monitoring.Tagged("WS")

// ShutdownReason is sent in the close frame to every subscriber on shutdown.
const ShutdownReason = "relay shutting down"

// ServerConfig configures the WebSocket endpoint.
type ServerConfig struct {
	Address      string // host:port, default ":8765"
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	Clock        timeutil.Clock
}

// Server accepts WebSocket subscribers on any path and registers them
// with the Broadcaster's registry for as long as they stay connected.
type Server struct {
	cfg         ServerConfig
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	handlers   sync.WaitGroup
	closing    atomic.Bool
}

// NewServer creates a Server delivering through b.
func NewServer(b *Broadcaster, cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8765"
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Server{
		cfg:         cfg,
		broadcaster: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from anywhere on the local network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Listen binds the TCP listener. A failure here is fatal to the relay.
// Listen is idempotent; ListenAndServe calls it if the caller has not.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds the listener and serves until ctx is cancelled,
// then shuts down and closes every subscriber.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	wsLogf("Dashboard server: ws://%s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			wsLogf("Shutdown error: %v", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting connections and closes every subscriber with
// a normal-closure frame. It waits for connection handlers until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.closing.Store(true)
	s.mu.Unlock()

	var err error
	if srv != nil {
		// Hijacked WebSocket connections are not tracked by http.Server.
		err = srv.Shutdown(ctx)
	}

	if n := s.broadcaster.Registry().CloseAll(ShutdownReason); n > 0 {
		wsLogf("Closed %d subscriber(s)", n)
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// ServeHTTP upgrades the request and holds the subscriber until it
// disconnects. A failed upgrade registers nothing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// closing is set under mu, so no handler is added once Shutdown waits.
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		http.Error(w, ShutdownReason, http.StatusServiceUnavailable)
		return
	}
	s.handlers.Add(1)
	s.mu.Unlock()
	defer s.handlers.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.broadcaster.Stats().addRejected()
		wsLogf("Handshake failed from %s: %v", r.RemoteAddr, err)
		return
	}

	registry := s.broadcaster.Registry()
	stats := s.broadcaster.Stats()
	sub := NewSubscriber(conn, SubscriberOptions{
		QueueSize:    s.cfg.QueueSize,
		WriteTimeout: s.cfg.WriteTimeout,
		PingInterval: s.cfg.PingInterval,
		PongTimeout:  s.cfg.PongTimeout,
		Clock:        s.cfg.Clock,
		OnLatency:    stats.ObserveLatency,
		OnWriteError: func(sub *Subscriber, err error) {
			if _, removed := registry.Remove(sub.ID()); removed {
				stats.addEvicted()
				wsLogf("Write to %s failed, removed: %v", sub.Remote(), err)
			}
		},
	})
	sub.Start()
	if !registry.Add(sub) {
		sub.Close(websocket.CloseInternalServerErr, "registration failed")
		return
	}
	// Shutdown may have swept the registry just before Add.
	if s.closing.Load() {
		registry.Remove(sub.ID())
		sub.Close(websocket.CloseNormalClosure, ShutdownReason)
		return
	}
	stats.addAccepted()
	wsLogf("Dashboard connected: %s", sub.Remote())

	err = sub.readLoop()

	registry.Remove(sub.ID())
	sub.Close(websocket.CloseNormalClosure, "")
	connected := s.cfg.Clock.Since(sub.ConnectedAt()).Round(time.Millisecond)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		wsLogf("Dashboard disconnected: %s after %v (%v)", sub.Remote(), connected, err)
		return
	}
	wsLogf("Dashboard disconnected: %s after %v", sub.Remote(), connected)
}
