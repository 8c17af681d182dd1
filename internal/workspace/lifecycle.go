// Package workspace implements activation and deactivation of workspaces,
// rate-limited spawning of the architect/builder processes, and
// crash-loop-protected architect supervision.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cluesmith/tower/internal/pty"
	"github.com/cluesmith/tower/internal/registry"
	"github.com/cluesmith/tower/internal/store"
)

// ErrNotActive is returned by operations targeting a workspace that has no
// registry entry.
var ErrNotActive = errors.New("workspace not active")

// ErrStillStartingUp is returned by LaunchInstance and implicitly yields an
// empty list from ListWorkspaces while the lifecycle manager has not yet
// been marked ready — the window between process start and the bootstrap
// dependency-injection call, during which no new sessions may be created.
var ErrStillStartingUp = errors.New("still starting up")

// ErrInvalidPath is returned when an activation target does not exist or
// sits inside a temp directory.
var ErrInvalidPath = errors.New("invalid workspace path")

// runtimeEntry is the lifecycle manager's per-workspace bookkeeping,
// separate from registry.Entry (which only tracks role→session IDs).
type runtimeEntry struct {
	path        string
	activatedAt time.Time
	shellConfig ShellConfig
	supervisor  *ArchitectSupervisor
}

// ManagerConfig configures the lifecycle Manager.
type ManagerConfig struct {
	Registry             *registry.Manager
	PTYManager           *pty.Manager
	Limiter              *ActivationLimiter
	RestartDelay         time.Duration
	DefaultRows          int
	DefaultCols          int
	ComposingDefaultIdle int64
	CrashLoopWindow      time.Duration
	CrashLoopMax         int
}

// Manager activates and deactivates workspaces and supervises each active
// workspace's architect process.
type Manager struct {
	registry        *registry.Manager
	pty             *pty.Manager
	limiter         *ActivationLimiter
	restartDelay    time.Duration
	defaultRows     int
	defaultCols     int
	crashLoopWindow time.Duration
	crashLoopMax    int

	mu            sync.Mutex
	runtimes      map[string]*runtimeEntry
	activateLocks map[string]*sync.Mutex

	ready atomic.Bool
}

// NewManager constructs a lifecycle manager. It starts unready: MarkReady
// must be called once bootstrap has finished startup reconciliation, which
// is the second of spec.md §4.1's two race gates (`_deps`).
func NewManager(cfg ManagerConfig) *Manager {
	restartDelay := cfg.RestartDelay
	if restartDelay < 2*time.Second {
		restartDelay = 2 * time.Second
	}
	return &Manager{
		registry:        cfg.Registry,
		pty:             cfg.PTYManager,
		limiter:         cfg.Limiter,
		restartDelay:    restartDelay,
		defaultRows:     cfg.DefaultRows,
		defaultCols:     cfg.DefaultCols,
		crashLoopWindow: cfg.CrashLoopWindow,
		crashLoopMax:    cfg.CrashLoopMax,
		runtimes:        make(map[string]*runtimeEntry),
		activateLocks:   make(map[string]*sync.Mutex),
	}
}

// workspaceLock returns the keyed mutex serializing Activate calls for w,
// creating it on first use. spec.md's "at most one active activate call
// proceeds at a time" invariant is enforced by holding this lock across
// the architect-liveness check and spawn, not the coarse m.mu (which must
// stay short-lived since it also guards unrelated workspaces' bookkeeping).
func (m *Manager) workspaceLock(w string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.activateLocks[w]
	if !ok {
		l = &sync.Mutex{}
		m.activateLocks[w] = l
	}
	return l
}

// MarkReady flips the lifecycle manager into the ready state. Safe to call
// once, from the bootstrap goroutine, after startup reconciliation.
func (m *Manager) MarkReady() { m.ready.Store(true) }

// Ready reports whether MarkReady has been called.
func (m *Manager) Ready() bool { return m.ready.Load() }

func normalizePath(p string) string {
	return filepath.Clean(p)
}

// ActivateResult is the response shape for Activate.
type ActivateResult struct {
	Success       bool
	Error         string
	AllocatedPort int
}

// Activate validates and activates a workspace, spawning its architect
// unless one is already alive. clientIP is used for the per-IP activation
// rate limit; pass "" to bypass rate limiting for internal callers.
func (m *Manager) Activate(workspacePath, clientIP string) ActivateResult {
	if clientIP != "" && m.limiter != nil && !m.limiter.Allow(clientIP) {
		return ActivateResult{Success: false, Error: "rate limit exceeded"}
	}

	w := normalizePath(workspacePath)
	if err := validateWorkspacePath(w); err != nil {
		return ActivateResult{Success: false, Error: err.Error()}
	}

	cfg, err := loadShellConfig(w)
	if err != nil {
		return ActivateResult{Success: false, Error: err.Error()}
	}

	wl := m.workspaceLock(w)
	wl.Lock()
	defer wl.Unlock()

	m.mu.Lock()
	rt, exists := m.runtimes[w]
	if !exists {
		rt = &runtimeEntry{path: w}
		m.runtimes[w] = rt
	}
	rt.activatedAt = time.Now()
	rt.shellConfig = cfg
	m.mu.Unlock()

	m.registry.GetOrCreateEntry(w)

	if entry, ok := m.registry.GetEntry(w); ok && entry.Architect != "" {
		if s := m.pty.GetSession(entry.Architect); s != nil && s.IsRunning() {
			return ActivateResult{Success: true}
		}
	}

	supervisor := NewArchitectSupervisor(w, func() (string, error) { return m.spawnArchitect(w) }, m.restartDelay, m.crashLoopWindow, m.crashLoopMax)
	m.mu.Lock()
	rt.supervisor = supervisor
	m.mu.Unlock()

	if err := supervisor.Start(); err != nil {
		return ActivateResult{Success: false, Error: fmt.Sprintf("spawn architect: %v", err)}
	}
	return ActivateResult{Success: true}
}

// validateWorkspacePath enforces spec.md §4.2's activation precondition:
// the path must exist and must not live inside a temp directory (a
// workspace backed by ephemeral storage cannot be meaningfully reactivated
// after a restart).
func validateWorkspacePath(w string) error {
	info, err := os.Stat(w)
	if err != nil || !info.IsDir() {
		return ErrInvalidPath
	}

	tmp := normalizePath(os.TempDir())
	if w == tmp || strings.HasPrefix(w, tmp+string(filepath.Separator)) {
		return ErrInvalidPath
	}
	return nil
}

func (m *Manager) spawnArchitect(workspacePath string) (string, error) {
	m.mu.Lock()
	rt := m.runtimes[workspacePath]
	m.mu.Unlock()

	shell := ""
	if rt != nil {
		shell = rt.shellConfig.Architect
		if shell == "" {
			shell = rt.shellConfig.DefaultShell
		}
	}

	id := uuid.NewString()
	session, err := m.pty.Spawn(id, workspacePath, pty.TypeArchitect, "", "", shell, workspacePath, m.defaultRows, m.defaultCols)
	if err != nil {
		return "", err
	}

	session.StartOutputReader(nil, func(sessionID string) {
		m.onArchitectExit(workspacePath, sessionID)
	})

	m.registry.InstallSession(workspacePath, "architect", "", id)
	m.registry.Persist(store.TerminalSessionRow{
		ID: id, WorkspacePath: workspacePath, Type: "architect", PID: session.PID(), Cwd: workspacePath,
	})
	return id, nil
}

// onArchitectExit is the architect PTY's exit callback. It re-reads the
// registry entry before clearing the architect slot — a captured reference
// would be stale if the registry replaced the entry concurrently (Bugfix
// #213) — then hands off to the crash-loop supervisor.
func (m *Manager) onArchitectExit(workspacePath, sessionID string) {
	m.registry.Forget(sessionID)

	m.mu.Lock()
	rt, ok := m.runtimes[workspacePath]
	m.mu.Unlock()
	if !ok || rt.supervisor == nil {
		return
	}
	rt.supervisor.HandleExit()
}

// DeactivateResult is the response shape for Deactivate.
type DeactivateResult struct {
	Success bool
	Error   string
}

// Deactivate kills every live PTY owned by workspace (persistent or not —
// only the DB rows distinguish), deletes the workspace's non-persistent
// SQLite rows, and evicts the registry entry.
func (m *Manager) Deactivate(workspacePath string) DeactivateResult {
	w := normalizePath(workspacePath)

	if !m.registry.IsActive(w) {
		return DeactivateResult{Success: false, Error: "workspace not active"}
	}

	m.mu.Lock()
	rt, ok := m.runtimes[w]
	delete(m.runtimes, w)
	m.mu.Unlock()
	if ok && rt.supervisor != nil {
		rt.supervisor.Stop()
	}

	closed := m.pty.CloseAllWorkspaceSessions(w)
	slog.Info("workspace deactivated", "workspace", w, "sessionsClosed", len(closed))

	m.registry.ForgetNonPersistentWorkspace(w)
	return DeactivateResult{Success: true}
}

// Status is the per-workspace state returned by GetStatus.
type Status struct {
	Path           string
	Active         bool
	ArchitectState ArchitectState
	ArchitectID    string
	Builders       map[string]string
	Shells         map[string]string
}

// GetStatus returns the current state of workspace, or ok=false if it is
// not active.
func (m *Manager) GetStatus(workspacePath string) (Status, bool) {
	w := normalizePath(workspacePath)

	entry, ok := m.registry.GetEntry(w)
	if !ok {
		return Status{}, false
	}

	m.mu.Lock()
	rt := m.runtimes[w]
	m.mu.Unlock()

	st := Status{
		Path:        w,
		Active:      true,
		ArchitectID: entry.Architect,
		Builders:    entry.Builders,
		Shells:      entry.Shells,
	}
	if rt != nil && rt.supervisor != nil {
		st.ArchitectState = rt.supervisor.State()
	}
	return st, true
}

// LaunchInstance is the internal spawn entrypoint gated on Ready: while
// unready, it always reports "still starting up" rather than risk spawning
// a session before reconciliation has finished resolving the registry.
func (m *Manager) LaunchInstance(workspacePath string) error {
	if !m.Ready() {
		return ErrStillStartingUp
	}
	if !m.registry.IsActive(normalizePath(workspacePath)) {
		return ErrNotActive
	}
	_, err := m.spawnArchitect(normalizePath(workspacePath))
	return err
}

// WorkspaceSummary is one entry of ListWorkspaces.
type WorkspaceSummary struct {
	Path          string
	TerminalCount int
}

// ListWorkspaces enumerates active workspaces and their current terminal
// counts. Returns an empty list while the manager is not yet Ready — the
// first of spec.md §4.1's two reconciliation race gates.
func (m *Manager) ListWorkspaces() []WorkspaceSummary {
	if !m.Ready() {
		return []WorkspaceSummary{}
	}

	out := make([]WorkspaceSummary, 0, len(m.registry.Workspaces()))
	for _, w := range m.registry.Workspaces() {
		out = append(out, WorkspaceSummary{
			Path:          w,
			TerminalCount: len(m.pty.SessionsForWorkspace(w)),
		})
	}
	return out
}
