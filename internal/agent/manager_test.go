package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockru/dockru/internal/db"
	"github.com/dockru/dockru/internal/models"
)

func openTestStore(t *testing.T) *models.AgentStore {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return models.NewAgentStore(database, models.NewSecrets("test-master"))
}

func TestManagerAddValidatesURL(t *testing.T) {
	t.Parallel()

	m := NewManager("session-1", openTestStore(t), nil, nil)

	_, err := m.Add("://bad url", "admin", "pass")
	assert.ErrorIs(t, err, ErrInvalidURL)

	a, err := m.Add("http://peer:5001", "admin", "pass")
	require.NoError(t, err)
	assert.Equal(t, "peer:5001", a.Endpoint())
}

func TestManagerEmitToEndpointNotConnected(t *testing.T) {
	t.Parallel()

	m := NewManager("session-1", openTestStore(t), nil, nil)
	err := m.EmitToEndpoint("peer:5001", "requestStackList", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManagerConnectAllSkipsAgentSessions(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	_, err := store.Add("http://peer:5001", "admin", "pass")
	require.NoError(t, err)

	m := NewManager("session-1", store, nil, nil)

	// A session that is itself an agent link must never connect outward.
	m.ConnectAll("upstream:5001")
	assert.Empty(t, m.Endpoints())
}

func TestManagerDisconnectWithoutStore(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	_, err := store.Add("http://peer:5001", "admin", "pass")
	require.NoError(t, err)

	m := NewManager("session-1", store, nil, nil)
	m.Disconnect("http://peer:5001")

	// The stored agent survives a disconnect.
	a, err := store.FindByURL("http://peer:5001")
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestManagerRemoveDeletesStoredAgent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	m := NewManager("session-1", store, nil, nil)

	_, err := m.Add("http://peer:5001", "admin", "pass")
	require.NoError(t, err)
	require.NoError(t, m.Remove("http://peer:5001"))

	a, err := store.FindByURL("http://peer:5001")
	require.NoError(t, err)
	assert.Nil(t, a)
}

// newTestPeer runs a websocket endpoint that records every raw message it
// receives.
func newTestPeer(t *testing.T) (*httptest.Server, <-chan []byte) {
	t.Helper()
	received := make(chan []byte, 16)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			received <- data
		}
	}))
	t.Cleanup(server.Close)
	return server, received
}

func TestManagerEmitToEndpointWaitsForLogin(t *testing.T) {
	t.Parallel()

	server, received := newTestPeer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[4:], nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	c := NewClient(server.URL, "peer:5001", "admin", "pass", nil, nil)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	m := NewManager("session-1", openTestStore(t), nil, nil)
	m.mu.Lock()
	m.clients["peer:5001"] = c
	m.firstConnect = time.Now()
	m.mu.Unlock()

	// The login handshake lands partway into the grace window.
	go func() {
		time.Sleep(1200 * time.Millisecond)
		c.mu.Lock()
		c.loggedIn = true
		c.mu.Unlock()
	}()

	start := time.Now()
	require.NoError(t, m.EmitToEndpoint("peer:5001", "requestStackList", nil))
	assert.GreaterOrEqual(t, time.Since(start), time.Second,
		"emit must poll until the handshake lands")

	select {
	case data := <-received:
		var msg struct {
			Event string `json:"event"`
			Args  []any  `json:"args"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "agent", msg.Event)
		require.Len(t, msg.Args, 2)
		assert.Equal(t, "peer:5001", msg.Args[0])
		assert.Equal(t, "requestStackList", msg.Args[1])
	case <-time.After(3 * time.Second):
		t.Fatal("peer never received the forwarded event")
	}
}

func TestManagerEmitToEndpointGraceWindowExpires(t *testing.T) {
	t.Parallel()

	m := NewManager("session-1", openTestStore(t), nil, nil)
	c := NewClient("http://peer:5001", "peer:5001", "admin", "pass", nil, nil)

	m.mu.Lock()
	m.clients["peer:5001"] = c
	// Most of the window has already elapsed, so the poll gives up quickly.
	m.firstConnect = time.Now().Add(-graceWindow + 1500*time.Millisecond)
	m.mu.Unlock()

	start := time.Now()
	err := m.EmitToEndpoint("peer:5001", "requestStackList", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.GreaterOrEqual(t, time.Since(start), time.Second,
		"the poll should run until the window closes")
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()

	r := NewRegistry(openTestStore(t))

	m1 := r.GetOrCreate("session-1", nil, nil)
	m2 := r.GetOrCreate("session-1", nil, nil)
	assert.Same(t, m1, m2, "one manager per session")

	other := r.GetOrCreate("session-2", nil, nil)
	assert.NotSame(t, m1, other)

	r.Drop("session-1")
	assert.Nil(t, r.Get("session-1"))
	assert.NotNil(t, r.Get("session-2"))
}
