package handlers

import (
	"github.com/dockru/dockru/internal/ws"
)

func (app *App) registerServiceHandlers() {
	app.WS.Handle("startService", app.handleStartService)
	app.WS.Handle("stopService", app.handleStopService)
	app.WS.Handle("restartService", app.handleRestartService)
}

// Per-service operations run through the same exclusive compose terminal as
// whole-stack operations, so a stack-wide run blocks a service-level one.

func (app *App) handleStartService(c *ws.Conn, msg *ws.ClientMessage) {
	app.handleServiceAction(c, msg, "start service", "Started", "up", "-d")
}

func (app *App) handleStopService(c *ws.Conn, msg *ws.ClientMessage) {
	app.handleServiceAction(c, msg, "stop service", "Stopped", "stop")
}

func (app *App) handleRestartService(c *ws.Conn, msg *ws.ClientMessage) {
	app.handleServiceAction(c, msg, "restart service", "Restarted", "restart")
}

func (app *App) handleServiceAction(c *ws.Conn, msg *ws.ClientMessage, verb, okMsg string, composeArgs ...string) {
	if checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	stackName := argString(args, 0)
	serviceName := argString(args, 1)
	if stackName == "" || serviceName == "" {
		ackErr(c, msg, "Stack and service name required")
		return
	}

	composeArgs = append(composeArgs, serviceName)
	if err := app.composeOp(c, stackName, verb, composeArgs...); err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	app.RequestBroadcast()
	ackOK(c, msg, ws.OkResponse{Msg: okMsg})
}
