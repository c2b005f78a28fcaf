package handlers

import (
	"encoding/json"
	"log/slog"

	"github.com/dockru/dockru/internal/models"
	"github.com/dockru/dockru/internal/ratelimit"
	"github.com/dockru/dockru/internal/ws"
)

func (app *App) registerSettingsHandlers() {
	app.WS.Handle("getSettings", app.handleGetSettings)
	app.WS.Handle("setSettings", app.handleSetSettings)
	app.WS.Handle("composerize", app.handleComposerize)
}

func (app *App) handleGetSettings(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}
	if !app.Limits.API.Allow(c.IP()) {
		ackErr(c, msg, ratelimit.ErrMsg)
		return
	}

	data := make(map[string]string, len(models.GeneralSettingKeys))
	for _, key := range models.GeneralSettingKeys {
		val, err := app.Settings.Get(key)
		if err != nil {
			slog.Warn("read setting", "key", key, "err", err)
			continue
		}
		data[key] = val
	}

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, struct {
			OK   bool              `json:"ok"`
			Data map[string]string `json:"data"`
		}{OK: true, Data: data})
	}
}

func (app *App) handleSetSettings(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}
	if !app.Limits.API.Allow(c.IP()) {
		ackErr(c, msg, ratelimit.ErrMsg)
		return
	}

	args := parseArgs(msg)
	var data map[string]json.RawMessage
	if !argObject(args, 0, &data) {
		ackErr(c, msg, "Invalid settings payload")
		return
	}

	// Only known general keys are writable over the wire.
	for _, key := range models.GeneralSettingKeys {
		raw, ok := data[key]
		if !ok {
			continue
		}
		var val string
		if err := json.Unmarshal(raw, &val); err != nil {
			// Non-string values (booleans) keep their JSON encoding.
			val = string(raw)
		}
		if err := app.Settings.Set(key, val); err != nil {
			ackErr(c, msg, err.Error())
			return
		}
	}

	ackOK(c, msg, ws.OkResponse{Msg: "Saved"})
}

// handleComposerize is declared by the protocol but has no converter behind
// it yet.
func (app *App) handleComposerize(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}
	ackErr(c, msg, "Not implemented")
}
