package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pyamooz/pyamooz-chat/internal/audit"
	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	DefaultMaxMessageBytes = 512 * 1024
	DefaultInboxSize       = 32
)

// TransportConfig tunes the WebSocket endpoint.
type TransportConfig struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
	InboxSize       int
}

// Server accepts chat WebSocket connections and runs one Actor per
// connection.
type Server struct {
	cfg      TransportConfig
	resolver auth.Resolver
	handler  Handler
	hub      *Hub
	audit    audit.Logger
	logger   *zap.Logger
	upgrader websocket.Upgrader

	wg sync.WaitGroup
}

// NewServer creates the WebSocket endpoint.
func NewServer(cfg TransportConfig, resolver auth.Resolver, handler Handler, hub *Hub, auditLog audit.Logger, logger *zap.Logger) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		handler:  handler,
		hub:      hub,
		audit:    auditLog,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub returns the connection registry.
func (s *Server) Hub() *Hub { return s.hub }

// Shutdown closes every connection and waits for their actors to stop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, cookie, err := s.resolver.Resolve(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer realm="pyamooz-chat"`)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "Authentication required"})
		return
	}

	header := http.Header{}
	if cookie != nil {
		header.Add("Set-Cookie", cookie.String())
	}
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(context.WithoutCancel(r.Context()), conn, identity, auth.ClientIP(r))
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, identity auth.Identity, remote string) {
	connectedAt := time.Now()
	sink := &wsSink{conn: conn}
	session := NewSession(uuid.NewString(), identity, remote, sink)
	log := s.logger.With(zap.String("session_id", session.ID))

	actor := NewActor(ctx, session, s.handler, s.cfg.InboxSize, s.logger)
	s.hub.Register(session, func() { conn.Close() })
	metrics.WebSocketConnections.Inc()
	s.audit.LogSessionConnected(ctx, session.ID, identity.UserID, identity.GuestSession, remote)
	log.Info("WebSocket connected", zap.String("caller", identity.Key()), zap.String("remote", remote))

	stopPing := make(chan struct{})
	defer func() {
		close(stopPing)
		actor.Close()
		s.hub.Unregister(session)
		conn.Close()
		metrics.WebSocketConnections.Dec()
		dur := time.Since(connectedAt)
		s.audit.LogSessionClosed(ctx, session.ID, identity.UserID, identity.GuestSession, dur)
		log.Info("WebSocket disconnected", zap.Duration("duration", dur))
	}()

	if err := actor.Start(); err != nil {
		log.Warn("Failed to start session", zap.Error(err))
		return
	}
	go sink.pingLoop(stopPing)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, net.ErrClosed) {
				log.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		// Any inbound traffic proves the peer is alive.
		conn.SetReadDeadline(time.Now().Add(pongWait))
		actor.HandleFrame(data)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	s.logger.Warn("Rejected WebSocket origin", zap.String("origin", origin))
	return false
}

// wsSink serializes writes to one connection.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSink) Send(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(e)
}

func (w *wsSink) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
