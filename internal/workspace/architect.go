package workspace

import (
	"log/slog"
	"sync"
	"time"
)

// ArchitectState is one of the architect supervision state machine's four
// states (spec.md §4.2).
type ArchitectState string

const (
	ArchitectSpawning   ArchitectState = "spawning"
	ArchitectRunning    ArchitectState = "running"
	ArchitectRestarting ArchitectState = "restarting"
	ArchitectDisabled   ArchitectState = "disabled"
)

// defaultCrashLoopWindow is the uptime floor below which an architect exit
// counts as "short-lived" toward crash-loop disablement, per spec.md §3's
// crash-loop protection invariant, used when the caller supplies zero.
const defaultCrashLoopWindow = 15 * time.Second

// defaultCrashLoopMaxShortExits is the number of consecutive short-lived
// exits that disables auto-restart until the next activation, used when
// the caller supplies zero.
const defaultCrashLoopMaxShortExits = 3

// SpawnFunc spawns a fresh architect PTY and returns its session ID. It is
// supplied by the lifecycle manager, which alone knows how to reach the
// registry and PTY manager.
type SpawnFunc func() (sessionID string, err error)

// ArchitectSupervisor tracks one workspace's architect process through its
// spawning/running/restarting/disabled state machine, restarting on
// unexpected exit unless a crash loop is detected. Modeled on the
// restartCount/MaxRestartAttempts bookkeeping pattern used to supervise
// agent subprocesses, adapted here to the spec's "N short-lived exits
// within a window" crash-loop rule rather than a flat restart ceiling.
type ArchitectSupervisor struct {
	workspace       string
	spawn           SpawnFunc
	restartDelay    time.Duration
	crashLoopWindow time.Duration
	crashLoopMax    int

	mu              sync.Mutex
	state           ArchitectState
	sessionID       string
	spawnedAt       time.Time
	shortExitStreak int
	restartTimer    *time.Timer
}

// NewArchitectSupervisor constructs a supervisor for workspace. restartDelay
// is the fixed delay (≥2s per spec) before a respawn attempt. crashLoopWindow
// and crashLoopMax configure the crash-loop rule (spec.md's "N short-lived
// exits within a window"); zero falls back to the documented defaults
// (15s, 3 exits).
func NewArchitectSupervisor(workspace string, spawn SpawnFunc, restartDelay, crashLoopWindow time.Duration, crashLoopMax int) *ArchitectSupervisor {
	if restartDelay < 2*time.Second {
		restartDelay = 2 * time.Second
	}
	if crashLoopWindow <= 0 {
		crashLoopWindow = defaultCrashLoopWindow
	}
	if crashLoopMax <= 0 {
		crashLoopMax = defaultCrashLoopMaxShortExits
	}
	return &ArchitectSupervisor{
		workspace:       workspace,
		spawn:           spawn,
		restartDelay:    restartDelay,
		crashLoopWindow: crashLoopWindow,
		crashLoopMax:    crashLoopMax,
		state:           ArchitectSpawning,
	}
}

// State returns the current supervision state.
func (a *ArchitectSupervisor) State() ArchitectState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SessionID returns the live architect session ID, or "" if none is
// currently running.
func (a *ArchitectSupervisor) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Start performs the initial spawn, transitioning spawning → running on
// success. Returns the error unchanged on spawn failure, leaving the
// supervisor in the spawning state so a caller may retry activation.
func (a *ArchitectSupervisor) Start() error {
	id, err := a.spawn()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.sessionID = id
	a.spawnedAt = time.Now()
	a.state = ArchitectRunning
	a.mu.Unlock()
	return nil
}

// HandleExit is invoked by the architect session's exit callback. It
// advances the crash-loop streak, and either schedules a respawn after
// restartDelay or disables auto-restart for this workspace until the next
// activation.
//
// Callers must re-read the registry entry for this workspace before
// clearing its architect slot rather than holding a reference captured at
// registration time — the registry may have replaced the entry between
// then and now (see internal/registry's Bugfix #213 note). This method
// itself holds no registry reference, only its own state.
func (a *ArchitectSupervisor) HandleExit() {
	a.mu.Lock()
	if a.state == ArchitectDisabled {
		a.mu.Unlock()
		return
	}

	uptime := time.Since(a.spawnedAt)
	a.sessionID = ""

	if uptime < a.crashLoopWindow {
		a.shortExitStreak++
	} else {
		a.shortExitStreak = 0
	}

	if a.shortExitStreak >= a.crashLoopMax {
		a.state = ArchitectDisabled
		a.mu.Unlock()
		slog.Warn("architect crash-loop detected, disabling auto-restart", "workspace", a.workspace, "shortExits", a.crashLoopMax)
		return
	}

	a.state = ArchitectRestarting
	a.restartTimer = time.AfterFunc(a.restartDelay, a.attemptRestart)
	a.mu.Unlock()
}

func (a *ArchitectSupervisor) attemptRestart() {
	a.mu.Lock()
	if a.state != ArchitectRestarting {
		a.mu.Unlock()
		return
	}
	a.state = ArchitectSpawning
	a.mu.Unlock()

	id, err := a.spawn()
	if err != nil {
		slog.Error("architect respawn failed", "workspace", a.workspace, "error", err)
		a.mu.Lock()
		a.state = ArchitectRestarting
		a.restartTimer = time.AfterFunc(a.restartDelay, a.attemptRestart)
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	a.sessionID = id
	a.spawnedAt = time.Now()
	a.state = ArchitectRunning
	a.mu.Unlock()
}

// Stop cancels any pending restart timer without affecting state. Used when
// a workspace is deactivated out from under a restarting architect.
func (a *ArchitectSupervisor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.restartTimer != nil {
		a.restartTimer.Stop()
	}
}
