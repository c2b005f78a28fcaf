package ws

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// HandlerFunc processes a client message. Handlers must return quickly;
// long-running work should be spawned in a goroutine.
type HandlerFunc func(c *Conn, msg *ClientMessage)

// Server manages inbound WebSocket sessions and message dispatch.
type Server struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}

	handlers     map[string]HandlerFunc
	disconnectFn func(c *Conn) // called when a connection is removed
}

func NewServer() *Server {
	return &Server{
		conns:    make(map[*Conn]struct{}),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a handler for a named event.
func (s *Server) Handle(event string, fn HandlerFunc) {
	s.handlers[event] = fn
}

// ServeHTTP upgrades the HTTP request to a WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The endpoint tag must be captured before any event dispatch so the
	// agent proxy routing sees the correct session endpoint.
	endpoint := r.Header.Get("endpoint")
	ip := clientIP(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The binary serves the frontend from the same origin; peer
		// instances connect with arbitrary Host headers.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws accept", "err", err)
		return
	}

	c := newConn(ws, s, endpoint, ip)
	s.add(c)

	slog.Debug("ws connected", "id", c.ID(), "remote", r.RemoteAddr, "endpoint", endpoint)

	// Fire the "connect" pseudo-event so handlers can send initial data
	if h, ok := s.handlers["__connect"]; ok {
		h(c, nil)
	}

	// Block on the read pump — this goroutine is owned by net/http
	c.readPump(r.Context())
}

// clientIP extracts the originating client IP, honoring the first hop of
// X-Forwarded-For when a reverse proxy is in front.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Broadcast sends a push event to all connected clients.
func (s *Server) Broadcast(event string, args ...any) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.conns {
		SendEvent(c, event, args...)
	}
}

// BroadcastAuthenticated sends a push event to all authenticated clients.
// The payload is marshalled once and the pre-encoded bytes are written to
// every connection.
func (s *Server) BroadcastAuthenticated(event string, args ...any) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(ServerMessage{Event: event, Args: args})
	if err != nil {
		slog.Error("ws marshal broadcast", "event", event, "err", err)
		return
	}
	s.BroadcastAuthenticatedBytes(data)
}

// BroadcastAuthenticatedBytes sends pre-marshaled JSON bytes to all
// authenticated connections.
func (s *Server) BroadcastAuthenticatedBytes(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.conns {
		if c.UserID() != 0 {
			c.writeRaw(data)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// HasAuthenticatedConns returns true if at least one authenticated client
// is connected.
func (s *Server) HasAuthenticatedConns() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		if c.UserID() != 0 {
			return true
		}
	}
	return false
}

// DisconnectOthers closes all connections except the given one.
func (s *Server) DisconnectOthers(keep *Conn) {
	s.mu.RLock()
	others := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		if c != keep {
			others = append(others, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range others {
		c.Close()
	}
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	if s.disconnectFn != nil {
		s.disconnectFn(c)
	}

	slog.Debug("ws disconnected", "id", c.ID(), "remaining", s.ConnectionCount())
}

// OnDisconnect registers a callback that fires when a connection is removed.
// It runs exactly once per connection.
func (s *Server) OnDisconnect(fn func(c *Conn)) {
	s.disconnectFn = fn
}

func (s *Server) dispatch(c *Conn, msg *ClientMessage) {
	// Run each handler in its own goroutine so slow handlers (docker compose
	// operations) don't block the read pump and delay other messages.
	go s.Dispatch(c, msg)
}

// Dispatch looks up and invokes the handler for the given message event.
// Exported so the agent proxy handler can re-dispatch unwrapped inner events.
func (s *Server) Dispatch(c *Conn, msg *ClientMessage) {
	h, ok := s.handlers[msg.Event]
	if !ok {
		slog.Warn("ws unknown event", "event", msg.Event)
		if msg.ID != nil {
			SendAck(c, *msg.ID, ErrorResponse{OK: false, Msg: "Unknown event: " + msg.Event})
		}
		return
	}
	h(c, msg)
}

// HasHandler reports whether a handler is registered for the event.
func (s *Server) HasHandler(event string) bool {
	_, ok := s.handlers[event]
	return ok
}

// UpgradeHandler returns an http.Handler that upgrades to WebSocket.
func (s *Server) UpgradeHandler() http.Handler {
	return s
}

// ForEachConn iterates over all connections. The callback must not block.
func (s *Server) ForEachConn(fn func(*Conn)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		fn(c)
	}
}

// FindConn returns the connection with the given id, or nil.
func (s *Server) FindConn(id string) *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// HandleConnect registers a handler that fires when a new WebSocket
// connection is established (before the read pump starts).
func (s *Server) HandleConnect(fn func(c *Conn)) {
	s.handlers["__connect"] = func(c *Conn, _ *ClientMessage) {
		fn(c)
	}
}
