package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/dockru/dockru/internal/stack"
	"github.com/dockru/dockru/internal/ws"
)

const (
	broadcastInterval = 10 * time.Second

	// eventDebounce coalesces bursts of engine events into one broadcast.
	eventDebounce = 500 * time.Millisecond
)

// RequestBroadcast schedules a stack list broadcast without blocking.
func (app *App) RequestBroadcast() {
	select {
	case app.notifyCh <- struct{}{}:
	default:
	}
}

// sendStackListTo pushes the current stack list to one session, tagged with
// that session's endpoint.
func (app *App) sendStackListTo(c *ws.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stacks := app.listStacks(ctx)
	ws.SendEvent(c, "agent", "stackList", map[string]any{
		"ok":        true,
		"stackList": stack.BuildListJSON(stacks, c.Endpoint()),
	})
}

// StartBroadcastLoop pushes the stack list to every authenticated session on
// a fixed cadence and whenever a change is signalled.
func (app *App) StartBroadcastLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(broadcastInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-app.notifyCh:
			}
			app.broadcastStackList()
		}
	}()
}

func (app *App) broadcastStackList() {
	if !app.WS.HasAuthenticatedConns() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	stacks := app.listStacks(ctx)
	cancel()

	// One payload per endpoint tag; local sessions share the "" build.
	payloads := make(map[string]map[string]any)
	app.WS.ForEachConn(func(c *ws.Conn) {
		if c.UserID() == 0 {
			return
		}
		ep := c.Endpoint()
		p, ok := payloads[ep]
		if !ok {
			p = map[string]any{
				"ok":        true,
				"stackList": stack.BuildListJSON(stacks, ep),
			}
			payloads[ep] = p
		}
		ws.SendEvent(c, "agent", "stackList", p)
	})
}

// StartDockerEventsWatcher triggers broadcasts off the engine event stream,
// debounced. When the stream dies it reconnects; until then the periodic tick
// keeps lists fresh.
func (app *App) StartDockerEventsWatcher(ctx context.Context) {
	go func() {
		for {
			events, errs := app.Docker.Events(ctx)
			var timer *time.Timer

		stream:
			for {
				select {
				case <-ctx.Done():
					if timer != nil {
						timer.Stop()
					}
					return
				case _, ok := <-events:
					if !ok {
						break stream
					}
					if timer == nil {
						timer = time.AfterFunc(eventDebounce, app.RequestBroadcast)
					} else {
						timer.Reset(eventDebounce)
					}
				case err, ok := <-errs:
					if ok && err != nil {
						slog.Warn("docker event stream", "err", err)
					}
					break stream
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}
