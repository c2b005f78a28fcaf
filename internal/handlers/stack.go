package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dockru/dockru/internal/compose"
	"github.com/dockru/dockru/internal/docker"
	"github.com/dockru/dockru/internal/stack"
	"github.com/dockru/dockru/internal/terminal"
	"github.com/dockru/dockru/internal/ws"
)

const composeOpTimeout = 5 * time.Minute

func (app *App) registerStackHandlers() {
	app.WS.Handle("requestStackList", app.handleRequestStackList)
	app.WS.Handle("getStack", app.handleGetStack)
	app.WS.Handle("saveStack", app.handleSaveStack)
	app.WS.Handle("deployStack", app.handleDeployStack)
	app.WS.Handle("startStack", app.handleStartStack)
	app.WS.Handle("stopStack", app.handleStopStack)
	app.WS.Handle("restartStack", app.handleRestartStack)
	app.WS.Handle("downStack", app.handleDownStack)
	app.WS.Handle("updateStack", app.handleUpdateStack)
	app.WS.Handle("deleteStack", app.handleDeleteStack)
	app.WS.Handle("serviceStatusList", app.handleServiceStatusList)
	app.WS.Handle("getDockerNetworkList", app.handleGetDockerNetworkList)
}

// listStacks merges the stacks directory scan with `docker compose ls`.
func (app *App) listStacks(ctx context.Context) map[string]*stack.Stack {
	var entries []stack.ComposeLsEntry
	out, err := compose.Ls(ctx)
	if err != nil {
		slog.Warn("docker compose ls", "err", err)
	} else if entries, err = stack.ParseComposeLs(out); err != nil {
		slog.Warn("parse compose ls", "err", err)
	}
	return stack.List(app.StacksDir, entries)
}

func (app *App) handleRequestStackList(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}
	ackOK(c, msg, ws.OkResponse{})
	app.sendStackListTo(c)
}

func (app *App) handleGetStack(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	stackName := argString(parseArgs(msg), 0)
	if stackName == "" {
		ackErr(c, msg, "Stack name required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &stack.Stack{Name: stackName}
	managed := s.LoadFromDisk(app.StacksDir) == nil

	stacks := app.listStacks(ctx)
	if known, ok := stacks[stackName]; ok {
		s.Status = known.Status
		s.IsManaged = known.IsManaged || managed
	} else if !managed {
		ackErr(c, msg, stack.ErrNotFound.Error())
		return
	}

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, struct {
			OK    bool           `json:"ok"`
			Stack stack.FullJSON `json:"stack"`
		}{OK: true, Stack: s.ToJSON(c.Endpoint())})
	}
}

func (app *App) handleSaveStack(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	s := &stack.Stack{
		Name:        argString(args, 0),
		ComposeYAML: argString(args, 1),
		ComposeENV:  argString(args, 2),
	}
	isAdd := argBool(args, 3)

	if err := s.Save(app.StacksDir, isAdd); err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	app.RequestBroadcast()
	ackOK(c, msg, ws.OkResponse{Msg: "Saved"})
}

// handleDeployStack saves the stack and brings it up. The compose terminal
// name is exclusive, so a second deploy while one is running fails with the
// "already running" ack immediately.
func (app *App) handleDeployStack(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	s := &stack.Stack{
		Name:        argString(args, 0),
		ComposeYAML: argString(args, 1),
		ComposeENV:  argString(args, 2),
	}
	isAdd := argBool(args, 3)

	if err := s.Save(app.StacksDir, isAdd); err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	if err := app.composeOp(c, s.Name, "deploy", "up", "-d", "--remove-orphans"); err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	app.joinCombinedTerminal(c, s.Name)
	app.RequestBroadcast()
	ackOK(c, msg, ws.OkResponse{Msg: "Deployed"})
}

func (app *App) handleStartStack(c *ws.Conn, msg *ws.ClientMessage) {
	app.handleComposeAction(c, msg, "start", "Started", "up", "-d", "--remove-orphans")
}

func (app *App) handleStopStack(c *ws.Conn, msg *ws.ClientMessage) {
	app.handleComposeAction(c, msg, "stop", "Stopped", "stop")
}

func (app *App) handleRestartStack(c *ws.Conn, msg *ws.ClientMessage) {
	app.handleComposeAction(c, msg, "restart", "Restarted", "restart")
}

func (app *App) handleDownStack(c *ws.Conn, msg *ws.ClientMessage) {
	app.handleComposeAction(c, msg, "down", "Stopped", "down")
}

// handleComposeAction runs one compose subcommand against a named stack,
// blocking until it finishes so the ack carries the real outcome.
func (app *App) handleComposeAction(c *ws.Conn, msg *ws.ClientMessage, verb, okMsg string, composeArgs ...string) {
	if checkLogin(c, msg) == 0 {
		return
	}

	stackName := argString(parseArgs(msg), 0)
	if stackName == "" {
		ackErr(c, msg, "Stack name required")
		return
	}

	if err := app.composeOp(c, stackName, verb, composeArgs...); err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	app.RequestBroadcast()
	ackOK(c, msg, ws.OkResponse{Msg: okMsg})
}

// handleUpdateStack pulls fresh images and, if the stack was running,
// re-issues up so the new images take effect.
func (app *App) handleUpdateStack(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	stackName := argString(parseArgs(msg), 0)
	if stackName == "" {
		ackErr(c, msg, "Stack name required")
		return
	}

	if err := app.composeOp(c, stackName, "update", "pull"); err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	running := false
	if s, ok := app.listStacks(ctx)[stackName]; ok {
		running = s.Status == stack.RUNNING
	}
	cancel()

	if running {
		if err := app.composeOp(c, stackName, "update", "up", "-d", "--remove-orphans"); err != nil {
			ackErr(c, msg, err.Error())
			return
		}
	}

	app.RequestBroadcast()
	ackOK(c, msg, ws.OkResponse{Msg: "Updated"})
}

// handleDeleteStack downs the project and removes its directory.
func (app *App) handleDeleteStack(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	stackName := argString(parseArgs(msg), 0)
	if stackName == "" {
		ackErr(c, msg, "Stack name required")
		return
	}

	if err := app.composeOp(c, stackName, "delete", "down", "--remove-orphans"); err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	dir := filepath.Join(app.StacksDir, stackName)
	if err := os.RemoveAll(dir); err != nil {
		slog.Error("delete stack files", "err", err, "stack", stackName)
		ackErr(c, msg, err.Error())
		return
	}

	app.RequestBroadcast()
	slog.Info("stack deleted", "stack", stackName)
	ackOK(c, msg, ws.OkResponse{Msg: "Deleted"})
}

func (app *App) handleServiceStatusList(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	stackName := argString(parseArgs(msg), 0)
	if stackName == "" {
		ackErr(c, msg, "Stack name required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	containers, err := app.Docker.ContainerList(ctx, true, stackName)
	if err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, struct {
			OK                bool                            `json:"ok"`
			ServiceStatusList map[string]docker.ServiceStatus `json:"serviceStatusList"`
		}{OK: true, ServiceStatusList: docker.ServiceStatusMap(containers)})
	}
}

func (app *App) handleGetDockerNetworkList(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	names, err := app.Docker.NetworkNames(ctx)
	if err != nil {
		ackErr(c, msg, err.Error())
		return
	}

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, struct {
			OK                bool     `json:"ok"`
			DockerNetworkList []string `json:"dockerNetworkList"`
		}{OK: true, DockerNetworkList: names})
	}
}

// composeOp runs one docker compose subcommand inside the stack's exclusive
// compose terminal. The caller's session joins the terminal so progress
// streams back; [Done]/[Error] markers and the exit event fire before the
// terminal leaves the registry.
func (app *App) composeOp(c *ws.Conn, stackName, verb string, composeArgs ...string) error {
	termName := terminal.ComposeTerminalName(c.Endpoint(), stackName)
	args := compose.Options(app.StacksDir, stackName, composeArgs[0], composeArgs[1:]...)

	ctx, cancel := context.WithTimeout(context.Background(), composeOpTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = filepath.Join(app.StacksDir, stackName)
	cmd.Env = os.Environ()

	display := "$ docker " + strings.Join(args, " ") + "\r\n"

	code, err := app.Terms.Exec(termName, cmd, func(t *terminal.Terminal) {
		t.AddWriter(c.ID(), makeTermWriter(c, termName))
		t.OnExit(func(exitCode int) {
			if exitCode == 0 {
				t.Write([]byte("\r\n[Done]\r\n"))
			} else {
				t.Write([]byte(fmt.Sprintf("\r\n[Error] exit code %d\r\n", exitCode)))
			}
			app.notifyTerminalExit(t, termName, exitCode)
		})
		t.Write([]byte(display))
	})
	if err != nil {
		return err
	}
	if code != 0 {
		slog.Warn("compose operation failed", "op", verb, "stack", stackName, "code", code)
		return fmt.Errorf("Failed to %s, please check the terminal output for more information.", verb)
	}
	return nil
}
