// Package gateway serves the WebSocket RPC surface used by display clients
// (head unit UI, CLI) to drive pairing, sync and notification actions.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/messagesforcar/internal/bus"
	"github.com/nextlevelbuilder/messagesforcar/internal/config"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

// Version is reported in the connect response and /healthz.
var Version = "dev"

// StatusFunc returns the component snapshot served by the status method.
type StatusFunc func() map[string]any

// Server is the WebSocket gateway.
type Server struct {
	cfg         config.GatewayConfig
	events      *bus.MessageBus
	router      *MethodRouter
	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	mux         *http.ServeMux
	httpServer  *http.Server
	statusFn    StatusFunc

	mu      sync.RWMutex
	clients map[string]*Client
	seq     atomic.Int64
}

// NewServer creates a gateway bound to cfg.Host:cfg.Port. Events broadcast on
// mb are forwarded to every authenticated client.
func NewServer(cfg config.GatewayConfig, mb *bus.MessageBus) *Server {
	s := &Server{
		cfg:         cfg,
		events:      mb,
		rateLimiter: NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst),
		clients:     make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = NewMethodRouter(s)

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	return s
}

// Router returns the method router for registering handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// Mux returns the HTTP mux, for mounting on additional listeners (tsnet).
func (s *Server) Mux() *http.ServeMux { return s.mux }

// SetStatusProvider sets the snapshot served by the status method.
func (s *Server) SetStatusProvider(fn StatusFunc) { s.statusFn = fn }

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start listens and serves until ctx is cancelled, then announces shutdown
// to connected clients and closes the listener.
func (s *Server) Start(ctx context.Context) error {
	defer s.subscribe()()

	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, map[string]any{"reason": "stopping"}))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown", "error", err)
	}
	s.closeClients()
	return nil
}

// subscribe forwards bus events to clients until the returned func is called.
func (s *Server) subscribe() func() {
	if s.events == nil {
		return func() {}
	}
	s.events.Subscribe("gateway", func(ev bus.Event) {
		s.BroadcastEvent(*protocol.NewEvent(ev.Name, ev.Payload))
	})
	return func() { s.events.Unsubscribe("gateway") }
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	slog.Warn("security.origin_rejected", "origin", origin)
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(conn, s)
	s.register(client)
	defer s.unregister(client)

	client.Run(r.Context())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": Version,
		"clients": s.ClientCount(),
	})
}

// validToken reports whether token grants access. No configured token
// means the gateway is open (loopback default).
func (s *Server) validToken(token string) bool {
	if s.cfg.Token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	slog.Debug("gateway client connected", "client", c.id, "clients", n)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
	s.rateLimiter.Forget(c.id)
	slog.Debug("gateway client disconnected", "client", c.id)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*Client)
	s.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// BroadcastEvent sends an event to every authenticated client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	event.Seq = s.seq.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.Authenticated() {
			c.SendEvent(event)
		}
	}
}
