package handlers

import (
	"encoding/json"
	"log/slog"

	"github.com/dockru/dockru/internal/agent"
	"github.com/dockru/dockru/internal/ws"
)

func (app *App) registerAgentHandlers() {
	app.WS.Handle("agent", app.handleAgentProxy)
	app.WS.Handle("addAgent", app.handleAddAgent)
	app.WS.Handle("removeAgent", app.handleRemoveAgent)
	app.WS.Handle("testAgent", app.handleTestAgent)
	app.WS.Handle("updateAgent", app.handleUpdateAgent)
}

// proxyableEvents are the stack and terminal events the agent envelope may
// carry. Auth and agent management always dispatch at the top level.
var proxyableEvents = map[string]bool{
	"deployStack":           true,
	"saveStack":             true,
	"deleteStack":           true,
	"getStack":              true,
	"requestStackList":      true,
	"startStack":            true,
	"stopStack":             true,
	"restartStack":          true,
	"updateStack":           true,
	"downStack":             true,
	"serviceStatusList":     true,
	"getDockerNetworkList":  true,
	"startService":          true,
	"stopService":           true,
	"restartService":        true,
	"terminalInput":         true,
	"mainTerminal":          true,
	"checkMainTerminal":     true,
	"interactiveTerminal":   true,
	"terminalJoin":          true,
	"leaveCombinedTerminal": true,
	"terminalResize":        true,
}

// handleAgentProxy routes agent(endpoint, event, ...args). The wildcard
// endpoint dispatches locally and fans out; an empty or own endpoint is
// local; anything else forwards to the named peer. Remote-routed calls ack
// locally once the forward is accepted.
func (app *App) handleAgentProxy(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	if len(args) < 2 {
		ackErr(c, msg, "Endpoint and event name required")
		return
	}
	endpoint := argString(args, 0)
	event := argString(args, 1)
	rest := args[2:]

	switch {
	case endpoint == agent.AllEndpoints:
		app.dispatchLocal(c, msg.ID, event, rest)
		if m := app.AgentReg.Get(c.ID()); m != nil {
			decoded, err := agent.DecodeArgs(rest)
			if err == nil {
				go m.EmitToAllEndpoints(event, decoded)
			}
		}

	case endpoint == "" || endpoint == c.Endpoint():
		app.dispatchLocal(c, msg.ID, event, rest)

	default:
		m := app.AgentReg.Get(c.ID())
		if m == nil {
			ackErr(c, msg, agent.ErrNotConnected.Error())
			return
		}
		decoded, err := agent.DecodeArgs(rest)
		if err != nil {
			ackErr(c, msg, err.Error())
			return
		}
		if err := m.EmitToEndpoint(endpoint, event, decoded); err != nil {
			ackErr(c, msg, err.Error())
			return
		}
		ackOK(c, msg, ws.OkResponse{})
	}
}

// dispatchLocal re-enters the dispatch table with the unwrapped inner event,
// keeping the outer ack ID so the inner handler replies exactly once.
func (app *App) dispatchLocal(c *ws.Conn, id *int64, event string, rest []json.RawMessage) {
	if !proxyableEvents[event] {
		if id != nil {
			ws.SendAck(c, *id, ws.ErrorResponse{OK: false, Msg: "Unknown event: " + event})
		}
		return
	}

	inner, err := json.Marshal(rest)
	if err != nil {
		if id != nil {
			ws.SendAck(c, *id, ws.ErrorResponse{OK: false, Msg: err.Error()})
		}
		return
	}
	app.WS.Dispatch(c, &ws.ClientMessage{ID: id, Event: event, Args: inner})
}

// agentCredentials is the payload for addAgent/testAgent/updateAgent.
type agentCredentials struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (app *App) handleAddAgent(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	var creds agentCredentials
	if !argObject(parseArgs(msg), 0, &creds) || creds.URL == "" {
		ackErr(c, msg, agent.ErrInvalidURL.Error())
		return
	}

	m := app.AgentReg.GetOrCreate(c.ID(), app.agentStatusFunc(c), app.agentEventFunc(c))
	if _, err := m.Add(creds.URL, creds.Username, creds.Password); err != nil {
		ackErr(c, msg, err.Error())
		return
	}
	m.Connect(creds.URL, creds.Username, creds.Password)

	app.sendAgentList(c)
	ackOK(c, msg, ws.OkResponse{Msg: "Added"})
}

func (app *App) handleRemoveAgent(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	url := argString(parseArgs(msg), 0)
	if url == "" {
		ackErr(c, msg, agent.ErrInvalidURL.Error())
		return
	}

	m := app.AgentReg.GetOrCreate(c.ID(), app.agentStatusFunc(c), app.agentEventFunc(c))
	if err := m.Remove(url); err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	app.sendAgentList(c)
	ackOK(c, msg, ws.OkResponse{Msg: "Removed"})
}

// handleTestAgent performs a transient connect+login without persisting
// anything.
func (app *App) handleTestAgent(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	var creds agentCredentials
	if !argObject(parseArgs(msg), 0, &creds) || creds.URL == "" {
		ackErr(c, msg, agent.ErrInvalidURL.Error())
		return
	}

	m := app.AgentReg.GetOrCreate(c.ID(), app.agentStatusFunc(c), app.agentEventFunc(c))
	if err := m.Test(creds.URL, creds.Username, creds.Password); err != nil {
		ackErr(c, msg, err.Error())
		return
	}
	ackOK(c, msg, ws.OkResponse{Msg: "Connected"})
}

func (app *App) handleUpdateAgent(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	var creds agentCredentials
	if !argObject(parseArgs(msg), 0, &creds) || creds.URL == "" {
		ackErr(c, msg, agent.ErrInvalidURL.Error())
		return
	}

	if err := app.Agents.UpdateCredentials(creds.URL, creds.Username, creds.Password); err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	// Reconnect with the new credentials.
	if m := app.AgentReg.Get(c.ID()); m != nil {
		m.Disconnect(creds.URL)
		m.Connect(creds.URL, creds.Username, creds.Password)
	}

	app.sendAgentList(c)
	ackOK(c, msg, ws.OkResponse{Msg: "Saved"})
}

// agentJSON is the public agent representation; passwords never appear.
type agentJSON struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Endpoint string `json:"endpoint"`
	Active   bool   `json:"active"`
}

// sendAgentList pushes the configured agents (plus the local instance) to
// one session, wrapped in the agent envelope.
func (app *App) sendAgentList(c *ws.Conn) {
	agents, err := app.Agents.GetAll()
	if err != nil {
		slog.Error("load agent list", "err", err)
		return
	}

	list := make(map[string]agentJSON, len(agents)+1)
	// The local instance always appears under the empty endpoint.
	list[""] = agentJSON{Endpoint: "", Active: true}
	for _, a := range agents {
		list[a.Endpoint()] = agentJSON{
			URL:      a.URL,
			Username: a.Username,
			Endpoint: a.Endpoint(),
			Active:   a.Active,
		}
	}

	ws.SendEvent(c, "agent", "agentList", map[string]any{
		"ok":        true,
		"agentList": list,
	})
}
