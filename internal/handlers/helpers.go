package handlers

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dockru/dockru/internal/agent"
	"github.com/dockru/dockru/internal/docker"
	"github.com/dockru/dockru/internal/models"
	"github.com/dockru/dockru/internal/ratelimit"
	"github.com/dockru/dockru/internal/terminal"
	"github.com/dockru/dockru/internal/ws"
)

// App holds shared dependencies for all handlers.
type App struct {
	Users    *models.UserStore
	Settings *models.SettingStore
	Agents   *models.AgentStore
	Secrets  *models.Secrets
	WS       *ws.Server
	Docker   docker.Client
	Terms    *terminal.Manager
	AgentReg *agent.Registry
	Limits   *ratelimit.Limits

	Version       string
	StacksDir     string
	EnableConsole bool

	mu            sync.Mutex
	jwtSecret     string
	needSetup     bool
	latestVersion string

	// notifyCh wakes the broadcast loop ahead of its next tick.
	notifyCh chan struct{}
}

// Register installs every event handler on the socket server.
func Register(app *App) {
	app.notifyCh = make(chan struct{}, 1)

	app.registerAuthHandlers()
	app.registerSettingsHandlers()
	app.registerAgentHandlers()
	app.registerStackHandlers()
	app.registerServiceHandlers()
	app.registerTerminalHandlers()

	app.WS.HandleConnect(app.handleConnect)
}

// JWTSecret returns the in-memory encryption/signing secret.
func (app *App) JWTSecret() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.jwtSecret
}

// SetJWTSecret installs the secret at boot and after first setup.
func (app *App) SetJWTSecret(secret string) {
	app.mu.Lock()
	app.jwtSecret = secret
	app.mu.Unlock()
}

// SetNeedSetup flags whether the instance still awaits its first user.
func (app *App) SetNeedSetup(need bool) {
	app.mu.Lock()
	app.needSetup = need
	app.mu.Unlock()
}

func (app *App) needsSetup() bool {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.needSetup
}

// checkLogin verifies that the connection is authenticated. Returns the user
// ID, or sends an error ack and returns 0.
func checkLogin(c *ws.Conn, msg *ws.ClientMessage) int {
	uid := c.UserID()
	if uid == 0 && msg != nil && msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Not logged in"})
	}
	return uid
}

// ackOK sends a success ack when the client asked for one.
func ackOK(c *ws.Conn, msg *ws.ClientMessage, resp ws.OkResponse) {
	if msg.ID != nil {
		resp.OK = true
		ws.SendAck(c, *msg.ID, resp)
	}
}

// ackErr sends an error ack when the client asked for one.
func ackErr(c *ws.Conn, msg *ws.ClientMessage, errMsg string) {
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: errMsg, MsgI18n: true})
	}
}

// parseArgs unmarshals the Args JSON array into a slice of json.RawMessage.
func parseArgs(msg *ws.ClientMessage) []json.RawMessage {
	if msg == nil || len(msg.Args) == 0 {
		return nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(msg.Args, &args); err != nil {
		slog.Warn("parse args", "err", err)
		return nil
	}
	return args
}

// argString extracts a string from args at the given index.
func argString(args []json.RawMessage, index int) string {
	if index >= len(args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[index], &s); err != nil {
		return ""
	}
	return s
}

// argObject extracts a JSON object from args at the given index into dst.
func argObject(args []json.RawMessage, index int, dst interface{}) bool {
	if index >= len(args) {
		return false
	}
	return json.Unmarshal(args[index], dst) == nil
}

// argBool extracts a bool from args at the given index.
func argBool(args []json.RawMessage, index int) bool {
	if index >= len(args) {
		return false
	}
	var b bool
	if err := json.Unmarshal(args[index], &b); err != nil {
		return false
	}
	return b
}

// argInt extracts an integer from args at the given index.
func argInt(args []json.RawMessage, index int) int {
	if index >= len(args) {
		return 0
	}
	var n float64 // JSON numbers decode as float64
	if err := json.Unmarshal(args[index], &n); err != nil {
		return 0
	}
	return int(n)
}
