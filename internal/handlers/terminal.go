package handlers

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dockru/dockru/internal/compose"
	"github.com/dockru/dockru/internal/terminal"
	"github.com/dockru/dockru/internal/ws"
)

// mainTerminalName is the host console terminal. There is only one.
const mainTerminalName = "console"

func (app *App) registerTerminalHandlers() {
	app.WS.Handle("terminalJoin", app.handleTerminalJoin)
	app.WS.Handle("terminalInput", app.handleTerminalInput)
	app.WS.Handle("terminalResize", app.handleTerminalResize)
	app.WS.Handle("mainTerminal", app.handleMainTerminal)
	app.WS.Handle("checkMainTerminal", app.handleCheckMainTerminal)
	app.WS.Handle("interactiveTerminal", app.handleInteractiveTerminal)
	app.WS.Handle("leaveCombinedTerminal", app.handleLeaveCombinedTerminal)
}

// makeTermWriter streams terminal output chunks to one session, wrapped in
// the agent envelope so upstream instances can forward them.
func makeTermWriter(c *ws.Conn, termName string) terminal.WriteFunc {
	return func(data string) {
		ws.SendEvent(c, "agent", "terminalWrite", termName, data)
	}
}

// notifyTerminalExit tells every session in the terminal's room that the
// process exited. Runs from OnExit, before the registry drops the terminal.
func (app *App) notifyTerminalExit(t *terminal.Terminal, termName string, code int) {
	for _, id := range t.WriterIDs() {
		if conn := app.WS.FindConn(id); conn != nil {
			ws.SendEvent(conn, "agent", "terminalExit", termName, code)
		}
	}
}

// joinCombinedTerminal subscribes the session to the stack's combined logs
// terminal, starting `docker compose logs -f` lazily on first join. Returns
// the scrollback at join time.
func (app *App) joinCombinedTerminal(c *ws.Conn, stackName string) string {
	termName := terminal.CombinedTerminalName(c.Endpoint(), stackName)

	t := app.Terms.GetOrCreate(termName, terminal.TypeBase)
	t.SetKeepAlive(true)

	if !t.IsRunning() {
		t.SetSize(terminal.CombinedRows, terminal.CombinedCols)

		args := compose.Options(app.StacksDir, stackName, "logs", "-f", "--tail", "100")
		cmd := exec.Command("docker", args...)
		cmd.Dir = filepath.Join(app.StacksDir, stackName)
		cmd.Env = os.Environ()
		if err := t.StartPTY(cmd); err != nil {
			t.Write([]byte(err.Error() + "\r\n"))
		}
	}

	return t.JoinAndGetBuffer(c.ID(), makeTermWriter(c, termName))
}

func (app *App) handleTerminalJoin(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	termName := argString(parseArgs(msg), 0)
	if termName == "" {
		ackErr(c, msg, "Terminal name required")
		return
	}

	var buffer string
	combinedPrefix := "combined-" + c.Endpoint() + "-"
	if stackName := strings.TrimPrefix(termName, combinedPrefix); stackName != termName {
		// Combined log terminals start lazily on the first join.
		buffer = app.joinCombinedTerminal(c, stackName)
	} else {
		t := app.Terms.Get(termName)
		if t != nil {
			buffer = t.JoinAndGetBuffer(c.ID(), makeTermWriter(c, termName))
		}
	}

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, struct {
			OK     bool   `json:"ok"`
			Buffer string `json:"buffer"`
		}{OK: true, Buffer: buffer})
	}
}

func (app *App) handleTerminalInput(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	termName := argString(args, 0)
	data := argString(args, 1)

	t := app.Terms.Get(termName)
	if t == nil {
		ackErr(c, msg, "Terminal not found")
		return
	}
	if err := t.Input(data); err != nil {
		ackErr(c, msg, err.Error())
		return
	}
	ackOK(c, msg, ws.OkResponse{})
}

func (app *App) handleTerminalResize(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	termName := argString(args, 0)
	rows := argInt(args, 1)
	cols := argInt(args, 2)

	t := app.Terms.Get(termName)
	if t == nil || rows <= 0 || cols <= 0 {
		ackOK(c, msg, ws.OkResponse{})
		return
	}
	if err := t.Resize(uint16(rows), uint16(cols)); err != nil {
		ackErr(c, msg, err.Error())
		return
	}
	ackOK(c, msg, ws.OkResponse{})
}

// handleMainTerminal opens the host shell. Disabled unless the operator
// opted in at startup.
func (app *App) handleMainTerminal(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}
	if !app.EnableConsole {
		ackErr(c, msg, "Console is not enabled")
		return
	}

	t := app.Terms.GetOrCreate(mainTerminalName, terminal.TypeMain)
	if !t.IsRunning() {
		shell := "sh"
		if _, err := exec.LookPath("bash"); err == nil {
			shell = "bash"
		}
		cmd := exec.Command(shell)
		cmd.Env = os.Environ()
		if err := t.StartPTY(cmd); err != nil {
			ackErr(c, msg, err.Error())
			return
		}
		t.OnExit(func(code int) {
			app.notifyTerminalExit(t, mainTerminalName, code)
		})
	}

	buffer := t.JoinAndGetBuffer(c.ID(), makeTermWriter(c, mainTerminalName))
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, struct {
			OK     bool   `json:"ok"`
			Buffer string `json:"buffer"`
		}{OK: true, Buffer: buffer})
	}
}

func (app *App) handleCheckMainTerminal(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	t := app.Terms.Get(mainTerminalName)
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, struct {
			OK        bool `json:"ok"`
			Enabled   bool `json:"enabled"`
			IsRunning bool `json:"isRunning"`
		}{OK: true, Enabled: app.EnableConsole, IsRunning: t != nil && t.IsRunning()})
	}
}

// handleInteractiveTerminal opens a shell inside one service container via
// compose exec.
func (app *App) handleInteractiveTerminal(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	stackName := argString(args, 0)
	serviceName := argString(args, 1)
	shell := argString(args, 2)
	if stackName == "" || serviceName == "" {
		ackErr(c, msg, "Stack and service name required")
		return
	}
	if shell == "" {
		shell = "sh"
	}

	termName := terminal.ContainerExecTerminalName(c.Endpoint(), stackName, serviceName, 0)

	t := app.Terms.GetOrCreate(termName, terminal.TypeInteractive)
	if !t.IsRunning() {
		composeArgs := compose.Options(app.StacksDir, stackName, "exec", serviceName, shell)
		cmd := exec.Command("docker", composeArgs...)
		cmd.Dir = filepath.Join(app.StacksDir, stackName)
		cmd.Env = os.Environ()
		if err := t.StartPTY(cmd); err != nil {
			app.Terms.Remove(termName)
			ackErr(c, msg, err.Error())
			return
		}
		t.OnExit(func(code int) {
			app.notifyTerminalExit(t, termName, code)
		})
	}

	buffer := t.JoinAndGetBuffer(c.ID(), makeTermWriter(c, termName))
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, struct {
			OK     bool   `json:"ok"`
			Buffer string `json:"buffer"`
		}{OK: true, Buffer: buffer})
	}
}

// handleLeaveCombinedTerminal unsubscribes from the combined logs room. The
// keep-alive sweep closes the terminal once the room stays empty.
func (app *App) handleLeaveCombinedTerminal(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	stackName := argString(parseArgs(msg), 0)
	if stackName != "" {
		termName := terminal.CombinedTerminalName(c.Endpoint(), stackName)
		if t := app.Terms.Get(termName); t != nil {
			t.RemoveWriter(c.ID())
		}
	}
	ackOK(c, msg, ws.OkResponse{})
}
