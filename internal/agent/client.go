package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Peer status values sent upward with agentStatus.
const (
	StatusOnline     = "online"
	StatusOffline    = "offline"
	StatusConnecting = "connecting"
)

// minPeerVersion is the oldest peer version the agent protocol supports.
const minPeerVersion = "1.4.0"

const loginAckTimeout = 10 * time.Second

// StatusFunc reports a peer status change to the owning session.
type StatusFunc func(endpoint, status, msg string)

// EventFunc forwards a peer-originated event to the owning session.
type EventFunc func(event string, args []json.RawMessage)

// Client is one outbound socket to a peer instance. It performs the login
// handshake on connect and forwards peer events to the owning session.
type Client struct {
	URL      string
	Endpoint string
	Username string
	Password string

	onStatus StatusFunc
	onEvent  EventFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	loggedIn bool
	closed   bool
	pending  map[int64]chan json.RawMessage
	cancel   context.CancelFunc

	nextID atomic.Int64
}

// NewClient builds a client for one peer. onStatus and onEvent may be nil.
func NewClient(url, endpoint, username, password string, onStatus StatusFunc, onEvent EventFunc) *Client {
	return &Client{
		URL:      url,
		Endpoint: endpoint,
		Username: username,
		Password: password,
		onStatus: onStatus,
		onEvent:  onEvent,
		pending:  make(map[int64]chan json.RawMessage),
	}
}

// incomingMessage covers both shapes the peer sends: events (event+args)
// and acks (id+data).
type incomingMessage struct {
	ID    *int64            `json:"id,omitempty"`
	Data  json.RawMessage   `json:"data,omitempty"`
	Event string            `json:"event,omitempty"`
	Args  []json.RawMessage `json:"args,omitempty"`
}

type outgoingMessage struct {
	ID    *int64 `json:"id,omitempty"`
	Event string `json:"event"`
	Args  []any  `json:"args"`
}

// ackResponse is the minimal ack shape for the login handshake.
type ackResponse struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg,omitempty"`
}

// wsURL converts the stored http(s) URL to the socket endpoint.
func wsURL(raw string) string {
	u := raw
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/ws"
}

// Connect dials the peer, starts the read pump and performs the login
// handshake. The status callback receives "online" or "offline" with a
// message; a connect failure is reported and returned.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("endpoint", c.Endpoint)

	conn, _, err := websocket.Dial(ctx, wsURL(c.URL), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		c.status(StatusOffline, err.Error())
		return fmt.Errorf("connect agent %s: %w", c.Endpoint, err)
	}
	conn.SetReadLimit(1024 * 1024)

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("agent client closed")
	}
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	go c.readPump(pumpCtx, conn)

	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	loginCtx, cancel := context.WithTimeout(ctx, loginAckTimeout)
	defer cancel()

	data, err := c.EmitAwait(loginCtx, "login", c.Username, c.Password, nil)
	if err != nil {
		c.status(StatusOffline, "Login timed out")
		return fmt.Errorf("agent %s login: %w", c.Endpoint, err)
	}

	var ack ackResponse
	if err := json.Unmarshal(data, &ack); err != nil || !ack.OK {
		msg := ack.Msg
		if msg == "" {
			msg = "Login failed"
		}
		c.status(StatusOffline, msg)
		return fmt.Errorf("agent %s login refused: %s", c.Endpoint, msg)
	}

	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()

	c.status(StatusOnline, "")
	return nil
}

// LoggedIn reports whether the login handshake has completed. Read under the
// same lock the ack path writes, so a check-then-emit cannot race the flag.
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

// Emit sends a fire-and-forget event to the peer.
func (c *Client) Emit(event string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	return c.send(&outgoingMessage{Event: event, Args: args})
}

// EmitAwait sends an event with an ack ID and blocks until the ack arrives
// or ctx expires.
func (c *Client) EmitAwait(ctx context.Context, event string, args ...any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	id := c.nextID.Add(1)
	ch := make(chan json.RawMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("agent client closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&outgoingMessage{ID: &id, Event: event, Args: args}); err != nil {
		return nil, err
	}

	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) send(msg *outgoingMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("agent %s not connected", c.Endpoint)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			wasLoggedIn := c.loggedIn
			c.loggedIn = false
			closed := c.closed
			c.mu.Unlock()

			if !closed && wasLoggedIn {
				c.status(StatusOffline, "Connection lost")
			}
			return
		}

		var msg incomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("agent client: bad message from peer", "endpoint", c.Endpoint, "err", err)
			continue
		}

		if msg.Event != "" {
			c.handleEvent(msg.Event, msg.Args)
			continue
		}
		if msg.ID != nil {
			c.mu.Lock()
			ch := c.pending[*msg.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- msg.Data
			}
		}
	}
}

func (c *Client) handleEvent(event string, args []json.RawMessage) {
	if event == "info" {
		c.handleInfo(args)
		return
	}
	if c.onEvent != nil {
		c.onEvent(event, args)
	}
}

// handleInfo applies the version gate: peers older than minPeerVersion do
// not speak the agent protocol and are disconnected.
func (c *Client) handleInfo(args []json.RawMessage) {
	if len(args) == 0 {
		return
	}
	var info struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(args[0], &info); err != nil || info.Version == "" {
		return
	}

	if versionLess(info.Version, minPeerVersion) {
		slog.Warn("agent peer runs an unsupported version", "endpoint", c.Endpoint, "version", info.Version)
		c.status(StatusOffline, "Unsupported version")
		c.Close()
	}
}

func (c *Client) status(status, msg string) {
	if c.onStatus != nil {
		c.onStatus(c.Endpoint, status, msg)
	}
}

// Close tears down the socket. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.loggedIn = false
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// versionLess compares dotted numeric versions, true if a < b. Non-numeric
// segments compare as zero.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimSpace(as[i]))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(strings.TrimSpace(bs[i]))
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}
