package pty

import (
	"testing"
	"time"
)

func newTestManager() *Manager {
	return NewManager(ManagerConfig{
		DefaultShell: "/bin/sh",
		DefaultRows:  24,
		DefaultCols:  80,
		BufferSize:   1024,
	})
}

func TestSpawnRegistersSession(t *testing.T) {
	m := newTestManager()
	defer m.CloseAllWorkspaceSessions("/ws/a")

	s, err := m.Spawn("sess-1", "/ws/a", TypeShell, "shell-1", "", "", "", 24, 80)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if got := m.GetSession("sess-1"); got != s {
		t.Fatal("expected GetSession to return the spawned session")
	}
}

func TestSpawnDuplicateIDRejected(t *testing.T) {
	m := newTestManager()
	defer m.CloseAllWorkspaceSessions("/ws/a")

	if _, err := m.Spawn("sess-1", "/ws/a", TypeShell, "shell-1", "", "", "", 24, 80); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := m.Spawn("sess-1", "/ws/a", TypeShell, "shell-2", "", "", "", 24, 80); err == nil {
		t.Fatal("expected error spawning a session with a duplicate ID")
	}
}

func TestSpawnAppliesManagerDefaults(t *testing.T) {
	m := newTestManager()
	defer m.CloseAllWorkspaceSessions("/ws/a")

	s, err := m.Spawn("sess-1", "/ws/a", TypeShell, "shell-1", "", "", "", 0, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	cols, rows := s.Size()
	if cols != 80 || rows != 24 {
		t.Fatalf("Size() = (%d, %d), want (80, 24) from manager defaults", cols, rows)
	}
}

func TestReattachRegistersShellperBackedSession(t *testing.T) {
	m := newTestManager()
	r, w := newPipeConn(t)
	defer w.Close()

	s := m.Reattach("sess-2", "/ws/a", TypeBuilder, "builder-spir-1", "", 24, 80, r, []byte("replay"))
	if !s.ShellperBacked() {
		t.Fatal("expected Reattach to produce a shellper-backed session")
	}
	if m.GetSession("sess-2") != s {
		t.Fatal("expected GetSession to return the reattached session")
	}
}

func TestSessionsForWorkspaceFiltersByWorkspace(t *testing.T) {
	m := newTestManager()
	defer m.CloseAllWorkspaceSessions("/ws/a")
	defer m.CloseAllWorkspaceSessions("/ws/b")

	m.Spawn("sess-1", "/ws/a", TypeShell, "shell-1", "", "", "", 24, 80)
	m.Spawn("sess-2", "/ws/a", TypeShell, "shell-2", "", "", "", 24, 80)
	m.Spawn("sess-3", "/ws/b", TypeShell, "shell-1", "", "", "", 24, 80)

	got := m.SessionsForWorkspace("/ws/a")
	if len(got) != 2 {
		t.Fatalf("SessionsForWorkspace(/ws/a) returned %d sessions, want 2", len(got))
	}
}

func TestCloseSessionRemovesFromManager(t *testing.T) {
	m := newTestManager()
	s, err := m.Spawn("sess-1", "/ws/a", TypeShell, "shell-1", "", "", "", 24, 80)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := m.CloseSession(s.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if m.GetSession("sess-1") != nil {
		t.Fatal("expected GetSession to return nil after CloseSession")
	}
	if m.SessionCount() != 0 {
		t.Fatalf("SessionCount()=%d, want 0", m.SessionCount())
	}
}

func TestCloseSessionUnknownIDErrors(t *testing.T) {
	m := newTestManager()
	if err := m.CloseSession("nonexistent"); err == nil {
		t.Fatal("expected error closing an unknown session ID")
	}
}

func TestCloseNonPersistentWorkspaceSessionsSparesShellperBacked(t *testing.T) {
	m := newTestManager()
	defer m.CloseAllWorkspaceSessions("/ws/a")

	inline, err := m.Spawn("sess-1", "/ws/a", TypeShell, "shell-1", "", "", "", 24, 80)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	r, w := newPipeConn(t)
	defer w.Close()
	persistent := m.Reattach("sess-2", "/ws/a", TypeBuilder, "builder-spir-1", "", 24, 80, r, nil)

	closed := m.CloseNonPersistentWorkspaceSessions("/ws/a")
	if len(closed) != 1 || closed[0] != inline.ID {
		t.Fatalf("closed=%v, want only %q", closed, inline.ID)
	}
	if m.GetSession(persistent.ID) == nil {
		t.Fatal("expected shellper-backed session to survive CloseNonPersistentWorkspaceSessions")
	}
	if m.GetSession(inline.ID) != nil {
		t.Fatal("expected inline session to be closed")
	}
}

func TestCloseAllWorkspaceSessionsClosesEverything(t *testing.T) {
	m := newTestManager()

	m.Spawn("sess-1", "/ws/a", TypeShell, "shell-1", "", "", "", 24, 80)
	r, w := newPipeConn(t)
	defer w.Close()
	m.Reattach("sess-2", "/ws/a", TypeBuilder, "builder-spir-1", "", 24, 80, r, nil)

	closed := m.CloseAllWorkspaceSessions("/ws/a")
	if len(closed) != 2 {
		t.Fatalf("closed %d sessions, want 2", len(closed))
	}
	if len(m.SessionsForWorkspace("/ws/a")) != 0 {
		t.Fatal("expected no sessions remaining for workspace after CloseAllWorkspaceSessions")
	}
}

// Invariant 3 / boundary scenario 4: a session marked composing is excluded
// from CheckIdleComposing regardless of its idle duration.
func TestCheckIdleComposingExcludesComposingSessions(t *testing.T) {
	m := newTestManager()
	defer m.CloseAllWorkspaceSessions("/ws/a")

	idle, err := m.Spawn("sess-1", "/ws/a", TypeShell, "shell-1", "", "", "", 24, 80)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	composing, err := m.Spawn("sess-2", "/ws/a", TypeShell, "shell-2", "", "", "", 24, 80)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	composing.Write([]byte("x"), true)
	composing.StartComposing()

	got := m.CheckIdleComposing("/ws/a", 0)
	if len(got) != 1 || got[0] != idle {
		t.Fatalf("CheckIdleComposing returned %v, want only the non-composing session", got)
	}
}

func TestLastActivityReflectsMostRecentInput(t *testing.T) {
	m := newTestManager()
	defer m.CloseAllWorkspaceSessions("/ws/a")

	if got := m.LastActivity("/ws/a"); !got.IsZero() {
		t.Fatalf("LastActivity for empty workspace = %v, want zero time", got)
	}

	s, err := m.Spawn("sess-1", "/ws/a", TypeShell, "shell-1", "", "", "", 24, 80)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	before := time.Now().Add(-time.Second)
	s.Write([]byte("x"), true)

	got := m.LastActivity("/ws/a")
	if got.Before(before) {
		t.Fatalf("LastActivity = %v, want at or after %v", got, before)
	}
}
