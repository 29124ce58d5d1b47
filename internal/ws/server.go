package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemix-relay/backend/internal/account"
	"github.com/deemix-relay/backend/internal/health"
	"github.com/deemix-relay/backend/internal/hub"
	"github.com/deemix-relay/backend/internal/queue"
	"github.com/deemix-relay/backend/internal/version"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const maxMessageSize = 64 << 10

// Coordinator is what the server needs from the hub.
type Coordinator interface {
	Connect(ctx context.Context, connID string) *account.Session
	Disconnect(connID string)
	Handle(ctx context.Context, connID, msgType string, payload []byte) error
	Sessions() *account.Registry
	Available() bool
	Version() version.Info
}

type Options struct {
	Hub         Coordinator
	Broadcaster *Broadcaster
	Queue       *queue.Controller
	Health      *health.Tracker

	AllowedOrigins []string
	AuthToken      string
	// MessagesPerSecond and Burst bound inbound messages per connection.
	MessagesPerSecond float64
	Burst             int

	// BaseContext outlives single requests; connections derive theirs from
	// it. Defaults to context.Background.
	BaseContext context.Context
	Logger      *log.Logger
}

type Server struct {
	hub            Coordinator
	broadcaster    *Broadcaster
	queue          *queue.Controller
	health         *health.Tracker
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	msgRate        rate.Limit
	burst          int
	baseCtx        context.Context
	logger         *log.Logger
}

func NewServer(opts Options) *Server {
	s := &Server{
		hub:            opts.Hub,
		broadcaster:    opts.Broadcaster,
		queue:          opts.Queue,
		health:         opts.Health,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      opts.AuthToken,
		msgRate:        rate.Inf,
		burst:          opts.Burst,
		baseCtx:        opts.BaseContext,
		logger:         opts.Logger,
	}
	if opts.MessagesPerSecond > 0 {
		s.msgRate = rate.Limit(opts.MessagesPerSecond)
	}
	if s.burst < 1 {
		s.burst = 1
	}
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard)
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/health", s.handleHealth)
}

// Handler returns the routes wrapped with the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade", "err", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.logger.Warn("ws rejected", "remote", r.RemoteAddr, "err", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	logger := s.logger.With("conn", c.id)
	logger.Info("client connected", "remote", r.RemoteAddr)
	s.serve(c, logger)
	logger.Info("client disconnected", "remote", r.RemoteAddr)
}

// serve runs the handshake and then the read loop until the connection
// closes.
func (s *Server) serve(c *client, logger *log.Logger) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer func() {
		cancel()
		s.hub.Disconnect(c.id)
		s.broadcaster.RemoveClient(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.hub.Connect(ctx, c.id)

	limiter := rate.NewLimiter(s.msgRate, s.burst)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("ws read", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.Allow() {
			s.sendError(c.id, "rate limit exceeded")
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			s.sendError(c.id, "malformed message")
			continue
		}
		if err := s.hub.Handle(ctx, c.id, msg.Type, msg.Payload); err != nil {
			logger.Debug("handle", "type", msg.Type, "err", err)
		}
	}
}

func (s *Server) sendError(connID, message string) {
	s.broadcaster.Send(connID, hub.Event{Name: hub.EventError, Payload: errorPayload{Message: message}})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.queue.Snapshot())
}

type healthResponse struct {
	Status     health.Status            `json:"status"`
	Available  bool                     `json:"available"`
	Version    version.Info             `json:"version"`
	Clients    int                      `json:"clients"`
	Sessions   int                      `json:"sessions"`
	LoggedIn   int                      `json:"loggedIn"`
	Accounts   []account.Info           `json:"accounts"`
	Queue      map[string]int           `json:"queue"`
	Components []health.ComponentHealth `json:"components"`
	Process    *health.ProcessStats     `json:"process,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	resp := healthResponse{
		Status:     health.StatusHealthy,
		Available:  s.hub.Available(),
		Version:    s.hub.Version(),
		Clients:    s.broadcaster.ClientCount(),
		Sessions:   s.hub.Sessions().Count(),
		LoggedIn:   s.hub.Sessions().LoggedInCount(),
		Accounts:   s.hub.Sessions().Infos(),
		Queue:      make(map[string]int),
		Components: []health.ComponentHealth{},
	}
	for status, n := range s.queue.Store().Counts() {
		resp.Queue[status.String()] = n
	}
	if s.health != nil {
		resp.Status = s.health.Overall()
		resp.Components = s.health.Components()
	}
	if !resp.Available && resp.Status == health.StatusHealthy {
		resp.Status = health.StatusDegraded
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if stats, err := health.CollectProcess(ctx); err == nil {
		resp.Process = &stats
	} else {
		s.logger.Debug("process stats", "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Relay-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves handler on host:port until ctx is cancelled, then
// shuts down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler, logger *log.Logger) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
