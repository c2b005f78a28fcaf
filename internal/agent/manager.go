package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dockru/dockru/internal/models"
)

// AllEndpoints is the wildcard endpoint addressing every connected peer.
const AllEndpoints = "##ALL_DOCKRU_ENDPOINTS##"

const (
	// testTimeout bounds the whole transient connect+login of testAgent.
	testTimeout = 30 * time.Second

	// graceWindow is how long after connectAll an emitToEndpoint will wait
	// for a peer's login handshake before giving up.
	graceWindow = 10 * time.Second

	gracePollInterval = time.Second
)

var (
	ErrNotConnected   = errors.New("Socket client not connected")
	ErrEndpointExists = errors.New("Agent with the same endpoint already exists")
	ErrInvalidURL     = errors.New("Invalid URL")
)

// Manager holds the outbound agent clients of one session. Each inbound
// browser session gets its own manager; sessions that are themselves
// agent-side links never connect outward.
type Manager struct {
	sessionID string
	store     *models.AgentStore
	onStatus  StatusFunc
	onEvent   EventFunc

	mu           sync.Mutex
	clients      map[string]*Client
	firstConnect time.Time
}

func NewManager(sessionID string, store *models.AgentStore, onStatus StatusFunc, onEvent EventFunc) *Manager {
	return &Manager{
		sessionID: sessionID,
		store:     store,
		onStatus:  onStatus,
		onEvent:   onEvent,
		clients:   make(map[string]*Client),
	}
}

// Test performs a transient connect+login against a peer without installing
// it. Fails if an agent with the same endpoint is already connected.
func (m *Manager) Test(url, username, password string) error {
	endpoint := models.EndpointFromURL(url)
	if endpoint == "" {
		return ErrInvalidURL
	}

	m.mu.Lock()
	_, exists := m.clients[endpoint]
	m.mu.Unlock()
	if exists {
		return ErrEndpointExists
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	c := NewClient(url, endpoint, username, password, nil, nil)
	defer c.Close()
	return c.Connect(ctx)
}

// Add persists an agent with encrypted credentials. The caller connects it
// afterwards.
func (m *Manager) Add(url, username, password string) (*models.Agent, error) {
	if models.EndpointFromURL(url) == "" {
		return nil, ErrInvalidURL
	}
	return m.store.Add(url, username, password)
}

// Disconnect closes the client for one agent without touching the store.
func (m *Manager) Disconnect(url string) {
	endpoint := models.EndpointFromURL(url)

	m.mu.Lock()
	c := m.clients[endpoint]
	delete(m.clients, endpoint)
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
}

// Remove disconnects and deletes an agent.
func (m *Manager) Remove(url string) error {
	endpoint := models.EndpointFromURL(url)

	m.mu.Lock()
	c := m.clients[endpoint]
	delete(m.clients, endpoint)
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
	return m.store.Remove(url)
}

// Connect installs and dials a client for one peer. Idempotent: an endpoint
// that already has a client is left alone.
func (m *Manager) Connect(url, username, password string) {
	endpoint := models.EndpointFromURL(url)
	if endpoint == "" {
		slog.Warn("agent connect skipped, bad url", "url", url)
		return
	}

	m.mu.Lock()
	if _, exists := m.clients[endpoint]; exists {
		m.mu.Unlock()
		return
	}
	c := NewClient(url, endpoint, username, password, m.onStatus, m.onEvent)
	m.clients[endpoint] = c
	m.mu.Unlock()

	if m.onStatus != nil {
		m.onStatus(endpoint, StatusConnecting, "")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			slog.Warn("agent connect", "endpoint", endpoint, "err", err)
		}
	}()
}

// ConnectAll connects to every stored agent and stamps the grace window.
// Sessions that are themselves agent links (non-empty endpoint tag) never
// connect outward, so a mesh cannot form transitively.
func (m *Manager) ConnectAll(sessionEndpoint string) {
	if sessionEndpoint != "" {
		return
	}

	m.mu.Lock()
	m.firstConnect = time.Now()
	m.mu.Unlock()

	agents, err := m.store.GetAll()
	if err != nil {
		slog.Error("load agents", "err", err)
		return
	}
	for _, a := range agents {
		if !a.Active {
			continue
		}
		m.Connect(a.URL, a.Username, a.Password)
	}
}

// EmitToEndpoint forwards an event to one peer, wrapped in the agent proxy
// envelope. Within the grace window after ConnectAll it polls for the login
// handshake; past the window an unconnected peer is an error.
func (m *Manager) EmitToEndpoint(endpoint, event string, args []any) error {
	m.mu.Lock()
	c := m.clients[endpoint]
	deadline := m.firstConnect.Add(graceWindow)
	m.mu.Unlock()

	if c == nil {
		return ErrNotConnected
	}

	for !c.LoggedIn() && time.Now().Before(deadline) {
		time.Sleep(gracePollInterval)
	}
	if !c.LoggedIn() {
		return ErrNotConnected
	}

	wrapped := append([]any{endpoint, event}, args...)
	return c.Emit("agent", wrapped...)
}

// EmitToAllEndpoints fans an event out to every stored endpoint. Per-endpoint
// failures are logged, never fatal.
func (m *Manager) EmitToAllEndpoints(event string, args []any) {
	m.mu.Lock()
	endpoints := make([]string, 0, len(m.clients))
	for e := range m.clients {
		endpoints = append(endpoints, e)
	}
	m.mu.Unlock()

	for _, e := range endpoints {
		if err := m.EmitToEndpoint(e, event, args); err != nil {
			slog.Warn("agent broadcast", "endpoint", e, "event", event, "err", err)
		}
	}
}

// Endpoints returns the connected endpoint names.
func (m *Manager) Endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	endpoints := make([]string, 0, len(m.clients))
	for e := range m.clients {
		endpoints = append(endpoints, e)
	}
	return endpoints
}

// Get returns the client for one endpoint, or nil.
func (m *Manager) Get(endpoint string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[endpoint]
}

// DisconnectAll tears down every client. Called on session teardown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// Registry maps session IDs to their agent managers.
type Registry struct {
	store *models.AgentStore

	mu       sync.RWMutex
	managers map[string]*Manager
}

func NewRegistry(store *models.AgentStore) *Registry {
	return &Registry{
		store:    store,
		managers: make(map[string]*Manager),
	}
}

// GetOrCreate returns the session's manager, building one on first use.
func (r *Registry) GetOrCreate(sessionID string, onStatus StatusFunc, onEvent EventFunc) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[sessionID]; ok {
		return m
	}
	m := NewManager(sessionID, r.store, onStatus, onEvent)
	r.managers[sessionID] = m
	return m
}

// Get returns the session's manager, or nil.
func (r *Registry) Get(sessionID string) *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.managers[sessionID]
}

// Drop disconnects and removes the session's manager.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	m := r.managers[sessionID]
	delete(r.managers, sessionID)
	r.mu.Unlock()

	if m != nil {
		m.DisconnectAll()
	}
}

// DecodeArgs turns forwarded raw JSON args back into []any for re-dispatch.
func DecodeArgs(raw []json.RawMessage) ([]any, error) {
	args := make([]any, len(raw))
	for i, r := range raw {
		var v any
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decode arg %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}
