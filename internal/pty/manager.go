package pty

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Manager owns every live PTY session across all workspaces.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	defaultShell string
	defaultRows  int
	defaultCols  int
	bufferSize   int
}

// ManagerConfig holds defaults applied when a caller omits a value.
type ManagerConfig struct {
	DefaultShell string
	DefaultRows  int
	DefaultCols  int
	BufferSize   int // output ring buffer capacity per session, in bytes
}

// NewManager creates an empty session manager.
func NewManager(cfg ManagerConfig) *Manager {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 262144
	}
	return &Manager{
		sessions:     make(map[string]*Session),
		defaultShell: cfg.DefaultShell,
		defaultRows:  cfg.DefaultRows,
		defaultCols:  cfg.DefaultCols,
		bufferSize:   bufferSize,
	}
}

// Spawn starts a new, locally-owned PTY session and registers it.
func (m *Manager) Spawn(sessionID, workspace string, typ Type, roleID, label, shell, workDir string, rows, cols int) (*Session, error) {
	m.mu.RLock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.RUnlock()
		return nil, fmt.Errorf("session already exists: %s", sessionID)
	}
	m.mu.RUnlock()

	if shell == "" {
		shell = m.defaultShell
	}
	if rows <= 0 {
		rows = m.defaultRows
	}
	if cols <= 0 {
		cols = m.defaultCols
	}

	session, err := New(Config{
		ID:               sessionID,
		Workspace:        workspace,
		Type:             typ,
		RoleID:           roleID,
		Label:            label,
		Shell:            shell,
		Rows:             rows,
		Cols:             cols,
		WorkDir:          workDir,
		OutputBufferSize: m.bufferSize,
		OnClose: func() {
			m.removeSession(sessionID)
		},
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	return session, nil
}

// Reattach wraps an existing shellper connection as a live session and
// registers it. Used during startup reconciliation and on-demand
// reconnection.
func (m *Manager) Reattach(sessionID, workspace string, typ Type, roleID, label string, rows, cols int, conn io.ReadWriteCloser, replay []byte) *Session {
	session := NewShellperBacked(ShellperConfig{
		ID:               sessionID,
		Workspace:        workspace,
		Type:             typ,
		RoleID:           roleID,
		Label:            label,
		Rows:             rows,
		Cols:             cols,
		OutputBufferSize: m.bufferSize,
		OnClose: func() {
			m.removeSession(sessionID)
		},
	}, conn, replay)

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	return session
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// SessionsForWorkspace returns all live sessions belonging to workspace.
func (m *Manager) SessionsForWorkspace(workspace string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.Workspace == workspace {
			out = append(out, s)
		}
	}
	return out
}

// CloseSession kills and deregisters a single session.
func (m *Manager) CloseSession(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session not found: %s", sessionID)
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	return session.Kill()
}

// CloseNonPersistentWorkspaceSessions kills every inline (non-shellper-
// backed) session belonging to workspace, leaving shellper-backed
// sessions running so they can be reconciled on the next startup.
// Returns the IDs of sessions it closed.
func (m *Manager) CloseNonPersistentWorkspaceSessions(workspace string) []string {
	var toClose []string
	m.mu.RLock()
	for id, s := range m.sessions {
		if s.Workspace == workspace && !s.ShellperBacked() {
			toClose = append(toClose, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toClose {
		if err := m.CloseSession(id); err != nil {
			slog.Error("close workspace session failed", "session", id, "error", err)
		}
	}
	return toClose
}

// CloseAllWorkspaceSessions kills every live session belonging to
// workspace, persistent or not. Used on full workspace deactivation.
func (m *Manager) CloseAllWorkspaceSessions(workspace string) []string {
	var toClose []string
	m.mu.RLock()
	for id, s := range m.sessions {
		if s.Workspace == workspace {
			toClose = append(toClose, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toClose {
		if err := m.CloseSession(id); err != nil {
			slog.Error("close workspace session failed", "session", id, "error", err)
		}
	}
	return toClose
}

func (m *Manager) removeSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CheckIdleComposing reports sessions that are idle past threshold and
// not composing — candidates for automated message delivery. Sessions
// with composing=true are excluded regardless of how long they have been
// idle, satisfying the gating invariant even under concurrent access.
func (m *Manager) CheckIdleComposing(workspace string, thresholdMs int64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.Workspace != workspace {
			continue
		}
		if s.Composing() {
			continue
		}
		if s.IsUserIdle(thresholdMs) {
			out = append(out, s)
		}
	}
	return out
}

// LastActivity returns the most recent idle-tracking timestamp observed
// across all of a workspace's sessions, as a time.Time for display.
func (m *Manager) LastActivity(workspace string) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last int64
	for _, s := range m.sessions {
		if s.Workspace != workspace {
			continue
		}
		s.mu.RLock()
		if s.lastInputAt > last {
			last = s.lastInputAt
		}
		s.mu.RUnlock()
	}
	if last == 0 {
		return time.Time{}
	}
	return time.UnixMilli(last)
}
