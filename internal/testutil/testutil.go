package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dockru/dockru/internal/agent"
	"github.com/dockru/dockru/internal/db"
	"github.com/dockru/dockru/internal/docker"
	"github.com/dockru/dockru/internal/handlers"
	"github.com/dockru/dockru/internal/models"
	"github.com/dockru/dockru/internal/ratelimit"
	"github.com/dockru/dockru/internal/terminal"
	"github.com/dockru/dockru/internal/ws"
)

var msgIDCounter int64

// FakeDocker is an in-memory docker.Client for handler tests.
type FakeDocker struct {
	mu         sync.Mutex
	Containers []docker.Container
	Networks   []string
}

func (f *FakeDocker) SetContainers(containers []docker.Container) {
	f.mu.Lock()
	f.Containers = containers
	f.mu.Unlock()
}

func (f *FakeDocker) ContainerList(ctx context.Context, all bool, projectFilter string) ([]docker.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []docker.Container
	for _, c := range f.Containers {
		if projectFilter != "" && c.Project != projectFilter {
			continue
		}
		if !all && c.State != "running" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *FakeDocker) NetworkNames(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Networks == nil {
		return []string{"bridge", "host", "none"}, nil
	}
	return f.Networks, nil
}

func (f *FakeDocker) Events(ctx context.Context) (<-chan docker.ContainerEvent, <-chan error) {
	events := make(chan docker.ContainerEvent)
	errs := make(chan error)
	go func() {
		<-ctx.Done()
		close(events)
		close(errs)
	}()
	return events, errs
}

func (f *FakeDocker) Close() error { return nil }

// TestEnv holds a fully wired test application with a temp database and a
// fake Docker client.
type TestEnv struct {
	App       *handlers.App
	Server    *httptest.Server
	WSServer  *ws.Server
	Docker    *FakeDocker
	StacksDir string
	DataDir   string
}

// Setup creates a test environment with a real HTTP server, BoltDB and a fake
// Docker client.
func Setup(t testing.TB) *TestEnv {
	t.Helper()

	tmpDir := t.TempDir()
	stacksDir := filepath.Join(tmpDir, "stacks")
	dataDir := filepath.Join(tmpDir, "data")

	if err := os.MkdirAll(stacksDir, 0755); err != nil {
		t.Fatal(err)
	}

	database, err := db.Open(dataDir)
	if err != nil {
		t.Fatal(err)
	}

	users := models.NewUserStore(database)
	settings := models.NewSettingStore(database)

	jwtSecret, err := settings.EnsureJWTSecret()
	if err != nil {
		t.Fatal(err)
	}
	secrets := models.NewSecrets(jwtSecret)
	agents := models.NewAgentStore(database, secrets)

	userCount, err := users.Count()
	if err != nil {
		t.Fatal(err)
	}

	fake := &FakeDocker{}
	terms := terminal.NewManager()
	wss := ws.NewServer()

	app := &handlers.App{
		Users:         users,
		Settings:      settings,
		Agents:        agents,
		Secrets:       secrets,
		WS:            wss,
		Docker:        fake,
		Terms:         terms,
		AgentReg:      agent.NewRegistry(agents),
		Limits:        ratelimit.NewLimits(),
		Version:       "test",
		StacksDir:     stacksDir,
		EnableConsole: false,
	}
	app.SetJWTSecret(jwtSecret)
	app.SetNeedSetup(userCount == 0)
	handlers.Register(app)

	wss.OnDisconnect(func(c *ws.Conn) {
		terms.RemoveWriterFromAll(c.ID())
		app.AgentReg.Drop(c.ID())
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", wss.UpgradeHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		database.Close()
	})

	return &TestEnv{
		App:       app,
		Server:    server,
		WSServer:  wss,
		Docker:    fake,
		StacksDir: stacksDir,
		DataDir:   dataDir,
	}
}

// SeedAdmin creates the admin user for tests that need authentication.
func (e *TestEnv) SeedAdmin(t testing.TB) {
	t.Helper()
	if _, err := e.App.Users.Create("admin", "testpass123"); err != nil {
		t.Fatal("seed admin:", err)
	}
	e.App.SetNeedSetup(false)
}

// WriteStack creates a stack directory with the given compose file content.
func (e *TestEnv) WriteStack(t testing.TB, name, composeYAML string) {
	t.Helper()
	dir := filepath.Join(e.StacksDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "compose.yaml"), []byte(composeYAML), 0644); err != nil {
		t.Fatal(err)
	}
}

// DialWS opens a WebSocket connection to the test server. Push messages sent
// on connect (info, setup) are not drained here; SendAndReceive skips
// non-ack messages automatically.
func (e *TestEnv) DialWS(t testing.TB) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + e.Server.URL[4:] + "/ws" // http -> ws
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal("dial ws:", err)
	}
	conn.SetReadLimit(1 << 20)

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})

	return conn
}

// Login sends a login event and waits for the ack with a JWT token.
func (e *TestEnv) Login(t testing.TB, conn *websocket.Conn) string {
	t.Helper()
	resp := e.SendAndReceive(t, conn, "login", "admin", "testpass123", "")
	ok, _ := resp["ok"].(bool)
	if !ok {
		t.Fatalf("login failed: %v", resp)
	}
	token, _ := resp["token"].(string)
	return token
}

// SendAndReceive sends a WS event with an ack ID and returns the parsed ack
// response.
func (e *TestEnv) SendAndReceive(t testing.TB, conn *websocket.Conn, event string, args ...interface{}) map[string]interface{} {
	t.Helper()

	id := atomic.AddInt64(&msgIDCounter, 1)

	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatal("marshal args:", err)
	}

	msg := map[string]interface{}{
		"id":    id,
		"event": event,
		"args":  json.RawMessage(argsJSON),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal("marshal msg:", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal("write:", err)
	}

	// Read messages until our ack arrives
	for {
		_, respData, err := conn.Read(ctx)
		if err != nil {
			t.Fatal("read:", err)
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(respData, &raw); err != nil {
			t.Fatal("unmarshal response:", err)
		}

		if idRaw, ok := raw["id"]; ok {
			var ackID int64
			if err := json.Unmarshal(idRaw, &ackID); err == nil && ackID == id {
				var ack struct {
					Data map[string]interface{} `json:"data"`
				}
				if err := json.Unmarshal(respData, &ack); err != nil {
					t.Fatal("unmarshal ack:", err)
				}
				return ack.Data
			}
		}
		// Not our ack — a push message, skip it
	}
}

// SendEvent sends a WS event without waiting for an ack.
func (e *TestEnv) SendEvent(t testing.TB, conn *websocket.Conn, event string, args ...interface{}) {
	t.Helper()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatal("marshal args:", err)
	}

	msg := map[string]interface{}{
		"event": event,
		"args":  json.RawMessage(argsJSON),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal("marshal msg:", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal("write:", err)
	}
}
