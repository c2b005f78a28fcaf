package handlers

import (
	"encoding/json"
	"log/slog"

	"github.com/dockru/dockru/internal/agent"
	"github.com/dockru/dockru/internal/models"
	"github.com/dockru/dockru/internal/ratelimit"
	"github.com/dockru/dockru/internal/ws"
)

const minPasswordLength = 6

const weakPasswordMsg = "Password is too weak. It should be at least 6 characters."

func (app *App) registerAuthHandlers() {
	app.WS.Handle("needSetup", app.handleNeedSetup)
	app.WS.Handle("setup", app.handleSetup)
	app.WS.Handle("login", app.handleLogin)
	app.WS.Handle("loginByToken", app.handleLoginByToken)
	app.WS.Handle("changePassword", app.handleChangePassword)
	app.WS.Handle("disconnectOtherSocketClients", app.handleDisconnectOthers)
}

// infoPayload is the info event body sent after connect and on version
// checker updates.
type infoPayload struct {
	Version         string `json:"version"`
	LatestVersion   string `json:"latestVersion,omitempty"`
	PrimaryHostname string `json:"primaryHostname,omitempty"`
}

func (app *App) buildInfo() infoPayload {
	app.mu.Lock()
	latest := app.latestVersion
	app.mu.Unlock()

	hostname, _ := app.Settings.Get("primaryHostname")
	return infoPayload{
		Version:         app.Version,
		LatestVersion:   latest,
		PrimaryHostname: hostname,
	}
}

// handleConnect fires when a socket is accepted, before any event dispatch.
func (app *App) handleConnect(c *ws.Conn) {
	ws.SendEvent(c, "info", app.buildInfo())
	if app.needsSetup() {
		ws.SendEvent(c, "setup")
	}
}

func (app *App) handleNeedSetup(c *ws.Conn, msg *ws.ClientMessage) {
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, struct {
			OK        bool `json:"ok"`
			NeedSetup bool `json:"needSetup"`
		}{OK: true, NeedSetup: app.needsSetup()})
	}
}

// handleSetup creates the one and only user. Further setup attempts fail
// until the database is deleted.
func (app *App) handleSetup(c *ws.Conn, msg *ws.ClientMessage) {
	args := parseArgs(msg)
	username := argString(args, 0)
	password := argString(args, 1)

	if len(password) < minPasswordLength {
		ackErr(c, msg, weakPasswordMsg)
		return
	}

	count, err := app.Users.Count()
	if err != nil {
		ackErr(c, msg, err.Error())
		return
	}
	if count > 0 {
		ackErr(c, msg, "Dockru has been initialized. If you want to run setup again, please delete the database.")
		return
	}

	if _, err := app.Users.Create(username, password); err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	app.SetNeedSetup(false)
	slog.Info("initial user created", "username", username)

	ackOK(c, msg, ws.OkResponse{Msg: "successAdded", MsgI18n: true})
}

// handleLogin authenticates with username/password. A bcrypt hash at the
// wrong cost is transparently rehashed on success.
func (app *App) handleLogin(c *ws.Conn, msg *ws.ClientMessage) {
	args := parseArgs(msg)
	username := argString(args, 0)
	password := argString(args, 1)
	twofaToken := argString(args, 2)

	if !app.Limits.Login.Allow(c.IP()) {
		ackErr(c, msg, ratelimit.ErrMsg)
		return
	}

	user, err := app.Users.FindByUsername(username)
	if err != nil {
		ackErr(c, msg, err.Error())
		return
	}
	if user == nil {
		ackErr(c, msg, "authUserInactiveOrDeleted")
		return
	}
	if !models.VerifyPassword(password, user.Password) {
		slog.Warn("failed login attempt", "username", username, "ip", c.IP())
		ackErr(c, msg, "authIncorrectCreds")
		return
	}

	// 2FA enrollment is stored but the verifier is not implemented yet; a
	// connection without a token is told one is required.
	if user.TwofaEnabled && twofaToken == "" {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, struct {
				TokenRequired bool `json:"tokenRequired"`
			}{TokenRequired: true})
		}
		return
	}

	if models.NeedsRehash(user.Password) {
		if newHash, err := models.HashPassword(password); err == nil {
			if err := app.Users.UpdatePasswordHash(user.ID, newHash); err != nil {
				slog.Warn("password rehash", "err", err, "username", username)
			} else {
				user.Password = newHash
			}
		}
	}

	token, err := models.CreateJWT(user, app.JWTSecret())
	if err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	c.SetUser(user.ID)
	app.afterLogin(c, user)
	slog.Info("user logged in", "username", username, "ip", c.IP())

	ackOK(c, msg, ws.OkResponse{Token: token})
}

// handleLoginByToken authenticates with a previously minted JWT. The token
// carries a fingerprint of the password hash at mint time, so a password
// change invalidates all outstanding tokens.
func (app *App) handleLoginByToken(c *ws.Conn, msg *ws.ClientMessage) {
	args := parseArgs(msg)
	token := argString(args, 0)

	if !app.Limits.Login.Allow(c.IP()) {
		ackErr(c, msg, ratelimit.ErrMsg)
		return
	}

	claims, err := models.VerifyJWT(token, app.JWTSecret())
	if err != nil {
		ackErr(c, msg, "authInvalidToken")
		return
	}

	user, err := app.Users.FindByUsername(claims.Username)
	if err != nil || user == nil {
		ackErr(c, msg, "authUserInactiveOrDeleted")
		return
	}
	if claims.H != models.Shake256Hex(user.Password, 16) {
		ackErr(c, msg, "authInvalidToken")
		return
	}

	c.SetUser(user.ID)
	app.afterLogin(c, user)

	ackOK(c, msg, ws.OkResponse{})
}

// afterLogin pushes the initial authenticated state to the session and
// connects its agent mesh.
func (app *App) afterLogin(c *ws.Conn, user *models.User) {
	ws.SendEvent(c, "info", app.buildInfo())
	app.sendAgentList(c)

	m := app.AgentReg.GetOrCreate(c.ID(), app.agentStatusFunc(c), app.agentEventFunc(c))
	go func() {
		m.ConnectAll(c.Endpoint())
		app.sendStackListTo(c)
	}()
}

// handleChangePassword verifies the current password, stores the new hash
// and forces every other session to re-authenticate.
func (app *App) handleChangePassword(c *ws.Conn, msg *ws.ClientMessage) {
	uid := checkLogin(c, msg)
	if uid == 0 {
		return
	}

	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	args := parseArgs(msg)
	if !argObject(args, 0, &req) {
		req.CurrentPassword = argString(args, 0)
		req.NewPassword = argString(args, 1)
	}

	if len(req.NewPassword) < minPasswordLength {
		ackErr(c, msg, weakPasswordMsg)
		return
	}

	user, err := app.Users.FindByID(uid)
	if err != nil || user == nil {
		ackErr(c, msg, "authUserInactiveOrDeleted")
		return
	}
	if !models.VerifyPassword(req.CurrentPassword, user.Password) {
		ackErr(c, msg, "authIncorrectCreds")
		return
	}

	newHash, err := models.HashPassword(req.NewPassword)
	if err != nil {
		ackErr(c, msg, err.Error())
		return
	}
	if err := app.Users.UpdatePasswordHash(uid, newHash); err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	// Outstanding JWTs are now stale; tell other sessions to reload and
	// drop them.
	app.WS.ForEachConn(func(other *ws.Conn) {
		if other != c {
			ws.SendEvent(other, "refresh")
		}
	})
	app.WS.DisconnectOthers(c)

	token, err := models.CreateJWT(&models.User{ID: uid, Username: user.Username, Password: newHash}, app.JWTSecret())
	if err != nil {
		ackErr(c, msg, err.Error())
		return
	}
	ackOK(c, msg, ws.OkResponse{Token: token})
}

func (app *App) handleDisconnectOthers(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}
	app.WS.DisconnectOthers(c)
	ackOK(c, msg, ws.OkResponse{})
}

// agentStatusFunc reports peer status changes to the owning session,
// wrapped in the agent envelope like every authenticated broadcast.
func (app *App) agentStatusFunc(c *ws.Conn) agent.StatusFunc {
	return func(endpoint, status, errMsg string) {
		ws.SendEvent(c, "agent", "agentStatus", map[string]any{
			"endpoint": endpoint,
			"status":   status,
			"msg":      errMsg,
		})
	}
}

// agentEventFunc forwards peer-originated events verbatim to the owning
// session.
func (app *App) agentEventFunc(c *ws.Conn) agent.EventFunc {
	return func(event string, raw []json.RawMessage) {
		args, err := agent.DecodeArgs(raw)
		if err != nil {
			slog.Warn("forward agent event", "event", event, "err", err)
			return
		}
		ws.SendEvent(c, event, args...)
	}
}
