package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Terminal types. Only interactive and main terminals accept client input.
type Type int

const (
	TypeBase Type = iota
	TypeInteractive
	TypeMain
)

// Default PTY sizes.
const (
	DefaultCols = 105
	DefaultRows = 10

	// Combined log terminals render in a narrow side panel.
	CombinedCols = 58
	CombinedRows = 20

	// One-shot progress terminals only need a few rows.
	ProgressRows = 8
)

// scrollbackLimit bounds the number of buffered output chunks per terminal.
const scrollbackLimit = 100

// ErrNotInteractive is returned when input is written to a base terminal.
var ErrNotInteractive = errors.New("Cannot write to non-interactive terminal")

// WriteFunc streams one output chunk to a subscriber session.
type WriteFunc func(data string)

// ExitFunc runs when the terminal's process exits.
type ExitFunc func(code int)

// Terminal is a named, PTY-backed process whose output fans out to a room of
// subscriber sessions. Output chunks are also kept in a bounded scrollback
// that is delivered to late joiners.
type Terminal struct {
	Name string
	Type Type

	manager *Manager

	mu         sync.Mutex
	rows       uint16
	cols       uint16
	ptmx       *os.File
	cmd        *exec.Cmd
	scrollback []string
	writers    map[string]WriteFunc // session id -> writer
	exitFn     ExitFunc
	keepAlive  bool
	emptySince time.Time
	started    bool
	closed     bool
}

func newTerminal(name string, typ Type, m *Manager) *Terminal {
	return &Terminal{
		Name:    name,
		Type:    typ,
		manager: m,
		rows:    DefaultRows,
		cols:    DefaultCols,
		writers: make(map[string]WriteFunc),
	}
}

// SetSize records the terminal size and resizes the PTY if running.
func (t *Terminal) SetSize(rows, cols uint16) error {
	t.mu.Lock()
	t.rows = rows
	t.cols = cols
	ptmx := t.ptmx
	t.mu.Unlock()

	if ptmx != nil {
		return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
	}
	return nil
}

// Resize is SetSize under the name the wire protocol uses.
func (t *Terminal) Resize(rows, cols uint16) error {
	return t.SetSize(rows, cols)
}

// SetKeepAlive marks the terminal for the idle sweep: when enabled, the
// manager closes it after its room has been empty for one sweep interval.
func (t *Terminal) SetKeepAlive(on bool) {
	t.mu.Lock()
	t.keepAlive = on
	t.mu.Unlock()
}

// OnExit registers a callback invoked once when the process exits.
func (t *Terminal) OnExit(fn ExitFunc) {
	t.mu.Lock()
	t.exitFn = fn
	t.mu.Unlock()
}

// StartPTY spawns cmd inside a fresh PTY and begins the reader. Idempotent:
// a second call on a started terminal is a no-op.
func (t *Terminal) StartPTY(cmd *exec.Cmd) error {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return nil
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: t.rows, Cols: t.cols})
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("start pty: %w", err)
	}
	t.ptmx = ptmx
	t.cmd = cmd
	t.started = true
	t.mu.Unlock()

	go t.readLoop(ptmx, cmd)
	return nil
}

func (t *Terminal) run(cmd *exec.Cmd) (int, error) {
	done := make(chan int, 1)

	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return 0, fmt.Errorf("terminal %q already started", t.Name)
	}
	prev := t.exitFn
	t.exitFn = func(code int) {
		if prev != nil {
			prev(code)
		}
		done <- code
	}
	t.mu.Unlock()

	if err := t.StartPTY(cmd); err != nil {
		return 0, err
	}
	return <-done, nil
}

func (t *Terminal) readLoop(ptmx *os.File, cmd *exec.Cmd) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			t.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	err := cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	t.mu.Lock()
	exitFn := t.exitFn
	t.exitFn = nil
	t.mu.Unlock()

	if exitFn != nil {
		exitFn(code)
	}

	if t.manager != nil {
		t.manager.removeExited(t)
	}
}

// Write appends a chunk to the scrollback and fans it out to every
// subscriber. Chunks keep reader order: the scrollback append and the fan-out
// happen under one lock.
func (t *Terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, nil
	}

	chunk := string(p)
	t.scrollback = append(t.scrollback, chunk)
	if len(t.scrollback) > scrollbackLimit {
		t.scrollback = t.scrollback[len(t.scrollback)-scrollbackLimit:]
	}

	for _, w := range t.writers {
		w(chunk)
	}
	return len(p), nil
}

// Input forwards client keystrokes to the process. Only interactive and main
// terminals accept input.
func (t *Terminal) Input(data string) error {
	t.mu.Lock()
	if t.Type == TypeBase {
		t.mu.Unlock()
		return ErrNotInteractive
	}
	ptmx := t.ptmx
	closed := t.closed
	t.mu.Unlock()

	if closed || ptmx == nil {
		return nil
	}
	_, err := ptmx.WriteString(data)
	return err
}

// Buffer returns the scrollback as one string.
func (t *Terminal) Buffer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.scrollback, "")
}

// AddWriter subscribes a session to the output room. No-op after close.
func (t *Terminal) AddWriter(id string, fn WriteFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.writers[id] = fn
	t.emptySince = time.Time{}
}

// JoinAndGetBuffer subscribes a session and returns the scrollback in the
// same critical section, so no chunk is missed or duplicated between the
// buffer read and the first fan-out.
func (t *Terminal) JoinAndGetBuffer(id string, fn WriteFunc) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.writers[id] = fn
		t.emptySince = time.Time{}
	}
	return strings.Join(t.scrollback, "")
}

// RemoveWriter unsubscribes a session.
func (t *Terminal) RemoveWriter(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.writers, id)
}

// WriterIDs returns the session ids currently subscribed.
func (t *Terminal) WriterIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.writers))
	for id := range t.writers {
		ids = append(ids, id)
	}
	return ids
}

// WriterCount returns the current room size.
func (t *Terminal) WriterCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writers)
}

// IsRunning reports whether the process has started and not yet exited.
func (t *Terminal) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.closed
}

// Close interrupts the child (Ctrl-C byte through the PTY), releases the PTY
// and drops all subscribers. Idempotent.
func (t *Terminal) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}

func (t *Terminal) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true

	if t.ptmx != nil {
		t.ptmx.Write([]byte{0x03})
		t.ptmx.Close()
		t.ptmx = nil
	}
	t.writers = nil
}

// Terminal name construction. Names key the registry and double as the
// room/event name on the wire.

// ComposeTerminalName is the per-stack operation terminal.
func ComposeTerminalName(endpoint, stack string) string {
	return "compose-" + endpoint + "-" + stack
}

// CombinedTerminalName is the persistent logs terminal per stack.
func CombinedTerminalName(endpoint, stack string) string {
	return "combined-" + endpoint + "-" + stack
}

// ContainerExecTerminalName is the interactive shell into one service.
func ContainerExecTerminalName(endpoint, stack, service string, index int) string {
	return fmt.Sprintf("container-exec-%s-%s-%s-%d", endpoint, stack, service, index)
}
