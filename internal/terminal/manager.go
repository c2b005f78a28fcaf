package terminal

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// ErrNameTaken means a terminal with that name is already registered.
// Surfaced to users as the "another operation" message.
var ErrNameTaken = errors.New("Another operation is already running, please try again later.")

// keepAliveInterval is how often the idle sweep runs; a keep-alive terminal
// whose room stays empty for a full interval is closed.
const keepAliveInterval = 60 * time.Second

// Manager is the process-wide terminal registry. At most one terminal per
// name exists at any instant; creation is compare-and-insert.
type Manager struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal
}

func NewManager() *Manager {
	return &Manager{
		terminals: make(map[string]*Terminal),
	}
}

// Get returns a terminal by name, or nil.
func (m *Manager) Get(name string) *Terminal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.terminals[name]
}

// Create registers a new terminal. Fails with ErrNameTaken if the name is
// already in use.
func (m *Manager) Create(name string, typ Type) (*Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.terminals[name]; ok {
		return nil, ErrNameTaken
	}
	t := newTerminal(name, typ, m)
	m.terminals[name] = t
	return t, nil
}

// GetOrCreate returns the existing terminal or registers a new one.
func (m *Manager) GetOrCreate(name string, typ Type) *Terminal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.terminals[name]; ok {
		return t
	}
	t := newTerminal(name, typ, m)
	m.terminals[name] = t
	return t
}

// Recreate replaces a terminal, carrying subscribers from the old one so a
// client watching the previous run keeps receiving output. The old terminal
// is closed.
func (m *Manager) Recreate(name string, typ Type) *Terminal {
	m.mu.Lock()
	old := m.terminals[name]
	t := newTerminal(name, typ, m)

	if old != nil {
		old.mu.Lock()
		for id, fn := range old.writers {
			t.writers[id] = fn
		}
		old.mu.Unlock()
	}
	m.terminals[name] = t
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return t
}

// Remove unregisters and closes a terminal.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	t, ok := m.terminals[name]
	if ok {
		delete(m.terminals, name)
	}
	m.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// RemoveAfter removes the terminal after a delay, but only if it is still the
// same instance (a Recreate in the meantime cancels the reap).
func (m *Manager) RemoveAfter(name string, d time.Duration) {
	t := m.Get(name)
	if t == nil {
		return
	}
	time.AfterFunc(d, func() {
		m.mu.Lock()
		cur, ok := m.terminals[name]
		if ok && cur == t {
			delete(m.terminals, name)
		} else {
			t = nil
		}
		m.mu.Unlock()

		if t != nil {
			t.Close()
		}
	})
}

// removeExited drops a terminal whose process has exited, if it is still the
// registered instance.
func (m *Manager) removeExited(t *Terminal) {
	m.mu.Lock()
	if cur, ok := m.terminals[t.Name]; ok && cur == t {
		delete(m.terminals, t.Name)
	}
	m.mu.Unlock()
	t.Close()
}

// RemoveWriterFromAll drops a disconnected session from every room. Called
// from the socket server's disconnect hook.
func (m *Manager) RemoveWriterFromAll(sessionID string) {
	m.mu.RLock()
	terms := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terms = append(terms, t)
	}
	m.mu.RUnlock()

	for _, t := range terms {
		t.RemoveWriter(sessionID)
	}
}

// Names returns the registered terminal names (for diagnostics).
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.terminals))
	for name := range m.terminals {
		names = append(names, name)
	}
	return names
}

// StartKeepAliveSweep runs the periodic idle sweep until ctx is done.
// A keep-alive terminal with an empty room is stamped on the first tick and
// closed on the next, so it survives at least one full interval idle.
func (m *Manager) StartKeepAliveSweep(ctx context.Context) {
	go m.sweepLoop(ctx, keepAliveInterval)
}

func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(now, interval)
		}
	}
}

func (m *Manager) sweep(now time.Time, interval time.Duration) {
	m.mu.RLock()
	terms := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terms = append(terms, t)
	}
	m.mu.RUnlock()

	for _, t := range terms {
		t.mu.Lock()
		if !t.keepAlive || t.closed || len(t.writers) > 0 {
			t.emptySince = time.Time{}
			t.mu.Unlock()
			continue
		}
		if t.emptySince.IsZero() {
			t.emptySince = now
			t.mu.Unlock()
			continue
		}
		expired := now.Sub(t.emptySince) >= interval
		t.mu.Unlock()

		if expired {
			slog.Debug("keep-alive sweep closing idle terminal", "name", t.Name)
			m.Remove(t.Name)
		}
	}
}

// Exec is the one-shot convenience: exclusive-create a base terminal with
// progress size, optionally join one subscriber, run cmd to completion and
// return its exit code. The name stays registered only for the duration of
// the run.
func (m *Manager) Exec(name string, cmd *exec.Cmd, join func(t *Terminal)) (int, error) {
	t, err := m.Create(name, TypeBase)
	if err != nil {
		return 0, err
	}
	t.SetSize(ProgressRows, DefaultCols)

	if join != nil {
		join(t)
	}

	code, err := t.run(cmd)
	if err != nil {
		m.Remove(name)
		return 0, err
	}
	return code, nil
}
