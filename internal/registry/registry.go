// Package registry maintains the authoritative in-memory mapping from
// workspace to its terminal sessions, mirrors it durably via
// internal/store, and reconciles both against live shellper hosts on
// startup.
//
// Entries reference sessions by ID only — session objects never hold a
// back-reference to their registry slot. Every mutation re-looks up the
// entry from the live map rather than operating on a captured pointer,
// because the registry may replace an entry object between the time a
// caller obtained one and the time it acts on it (see Bugfix #213: an
// architect exit handler that held a stale *Entry cleared the wrong
// object's architect slot after a concurrent deactivate/reactivate).
package registry

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cluesmith/tower/internal/store"
)

// Entry is the per-workspace view of the registry: one optional
// architect session ID, role-ID→session-ID maps for builders and
// shells, and a tab-ID→file-path map for open file tabs.
type Entry struct {
	Workspace string
	Architect string
	Builders  map[string]string
	Shells    map[string]string
	Tabs      map[string]string
}

func newEntry(workspace string) *Entry {
	return &Entry{
		Workspace: workspace,
		Builders:  make(map[string]string),
		Shells:    make(map[string]string),
		Tabs:      make(map[string]string),
	}
}

// LiveSession is the subset of pty.Session the registry needs in order to
// decide whether a session survives a restart.
type LiveSession interface {
	ShellperBacked() bool
}

// IsSessionPersistent reports whether a live session will be reconciled
// after a restart. Only shellper-backed sessions are; inline-spawned
// PTYs are cleared on deactivation.
func IsSessionPersistent(s LiveSession) bool {
	return s.ShellperBacked()
}

// Manager owns the in-memory workspace→entry map and mirrors it into
// internal/store.
type Manager struct {
	mu          sync.Mutex
	entries     map[string]*Entry
	store       *store.Store
	reconciling atomic.Bool
}

// NewManager constructs an empty registry backed by s.
func NewManager(s *store.Store) *Manager {
	return &Manager{
		entries: make(map[string]*Entry),
		store:   s,
	}
}

// Reconciling reports whether a startup reconciliation pass is currently
// in flight. Two callers gate on this: the workspace-listing endpoint
// (empty list while the lifecycle dependency object is still nil) and
// the per-workspace state endpoint (skips on-the-fly shellper
// reconnection while true), closing the race where a dashboard poll and
// the reconciliation job would otherwise both try to open the same
// single-connection shellper socket.
func (m *Manager) Reconciling() bool {
	return m.reconciling.Load()
}

func normalizeWorkspace(workspace string) string {
	return filepath.Clean(workspace)
}

// GetOrCreateEntry returns the entry for workspace, creating an empty one
// if absent. Idempotent.
func (m *Manager) GetOrCreateEntry(workspace string) *Entry {
	w := normalizeWorkspace(workspace)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[w]
	if !ok {
		e = newEntry(w)
		m.entries[w] = e
	}
	return e
}

// GetEntry returns the entry for workspace without creating one.
func (m *Manager) GetEntry(workspace string) (*Entry, bool) {
	w := normalizeWorkspace(workspace)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[w]
	return e, ok
}

// IsActive reports whether workspace currently has a registry entry.
func (m *Manager) IsActive(workspace string) bool {
	_, ok := m.GetEntry(workspace)
	return ok
}

// EvictEntry removes the in-memory entry for workspace without touching
// persisted rows. Used by deactivate, after the caller has already
// cleared live sessions and persisted rows.
func (m *Manager) EvictEntry(workspace string) {
	w := normalizeWorkspace(workspace)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, w)
}

// AllocateShellRole returns the next shell role ID for workspace:
// shell-(N+1) where N is the maximum numeric suffix of existing shell
// role IDs. Gaps in the numbering are not reused.
func (m *Manager) AllocateShellRole(workspace string) string {
	e := m.GetOrCreateEntry(workspace)

	m.mu.Lock()
	defer m.mu.Unlock()

	maxN := 0
	for roleID := range e.Shells {
		if n, ok := shellRoleSuffix(roleID); ok && n > maxN {
			maxN = n
		}
	}
	return fmt.Sprintf("shell-%d", maxN+1)
}

func shellRoleSuffix(roleID string) (int, bool) {
	const prefix = "shell-"
	if !strings.HasPrefix(roleID, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(roleID, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// InstallSession records sessionID under the given role within
// workspace's entry, creating the entry if needed.
func (m *Manager) InstallSession(workspace, sessionType, roleID, sessionID string) {
	e := m.GetOrCreateEntry(workspace)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch sessionType {
	case "architect":
		e.Architect = sessionID
	case "builder":
		e.Builders[roleID] = sessionID
	case "shell":
		e.Shells[roleID] = sessionID
	}
}

// Persist upserts a terminal session row by session ID. If workspace is
// not in the active registry, the call is a silent no-op — this prevents
// ghosting rows for a workspace concurrently being deactivated. Store
// errors are logged, not returned: persistence is best-effort, the
// in-memory registry is authoritative at runtime.
func (m *Manager) Persist(row store.TerminalSessionRow) {
	w := normalizeWorkspace(row.WorkspacePath)

	m.mu.Lock()
	_, active := m.entries[w]
	m.mu.Unlock()
	if !active {
		return
	}

	row.WorkspacePath = w
	if err := m.store.PersistSession(row); err != nil {
		slog.Error("persist terminal session failed", "session", row.ID, "workspace", w, "error", err)
	}
}

// Forget deletes the row for sessionID and scans every entry to remove
// any matching reference (architect slot, builders map, shells map).
func (m *Manager) Forget(sessionID string) {
	if err := m.store.DeleteSession(sessionID); err != nil {
		slog.Error("delete terminal session failed", "session", sessionID, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.Architect == sessionID {
			e.Architect = ""
		}
		for roleID, sid := range e.Builders {
			if sid == sessionID {
				delete(e.Builders, roleID)
			}
		}
		for roleID, sid := range e.Shells {
			if sid == sessionID {
				delete(e.Shells, roleID)
			}
		}
	}
}

// ForgetWorkspace deletes all persisted rows for workspace and evicts its
// in-memory entry.
func (m *Manager) ForgetWorkspace(workspace string) {
	w := normalizeWorkspace(workspace)

	if err := m.store.DeleteWorkspaceSessions(w); err != nil {
		slog.Error("delete workspace sessions failed", "workspace", w, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, w)
}

// ForgetNonPersistentWorkspace deletes non-persistent (non-shellper-backed)
// persisted rows for workspace and evicts its in-memory entry. Rows with a
// shellper locator are preserved so a later reconciliation pass can still
// reattach them. Used by workspace deactivation, which releases Tower's
// handle on every live session but only erases identity records for
// sessions that cannot outlive this process.
func (m *Manager) ForgetNonPersistentWorkspace(workspace string) {
	w := normalizeWorkspace(workspace)

	if err := m.store.DeleteNonPersistentWorkspaceSessions(w); err != nil {
		slog.Error("delete non-persistent workspace sessions failed", "workspace", w, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, w)
}

// List returns all persisted rows for workspace; empty on DB error.
func (m *Manager) List(workspace string) []store.TerminalSessionRow {
	rows, err := m.store.ListSessions(normalizeWorkspace(workspace))
	if err != nil {
		slog.Error("list terminal sessions failed", "workspace", workspace, "error", err)
		return []store.TerminalSessionRow{}
	}
	return rows
}

// Workspaces returns the normalized paths of every workspace currently
// holding a registry entry.
func (m *Manager) Workspaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.entries))
	for w := range m.entries {
		out = append(out, w)
	}
	return out
}
