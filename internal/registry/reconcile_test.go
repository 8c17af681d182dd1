package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cluesmith/tower/internal/shellper"
	"github.com/cluesmith/tower/internal/store"
)

// fakeShellperHost accepts one connection per call and replies according
// to respond, tracking the maximum number of concurrently open
// connections observed.
type fakeShellperHost struct {
	inFlight    int32
	maxInFlight int32
	calls       int32
	respond     func(sessionID string) (ok bool, delay time.Duration)
}

func startFakeShellperHost(t *testing.T, respond func(sessionID string) (bool, time.Duration)) string {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "shellper.sock")

	l, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	h := &fakeShellperHost{respond: respond}

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go h.handle(conn)
		}
	}()

	return sockPath
}

func (h *fakeShellperHost) handle(conn net.Conn) {
	defer conn.Close()

	cur := atomic.AddInt32(&h.inFlight, 1)
	defer atomic.AddInt32(&h.inFlight, -1)
	for {
		old := atomic.LoadInt32(&h.maxInFlight)
		if cur <= old || atomic.CompareAndSwapInt32(&h.maxInFlight, old, cur) {
			break
		}
	}
	atomic.AddInt32(&h.calls, 1)

	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}

	ok, delay := h.respond(req.SessionID)
	if delay > 0 {
		time.Sleep(delay)
	}

	type resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
		Cols  int    `json:"cols"`
		Rows  int    `json:"rows"`
	}
	r := resp{OK: ok, Cols: 80, Rows: 24}
	if !ok {
		r.Error = "unknown session"
	}
	_ = json.NewEncoder(conn).Encode(r)
}

// Boundary scenario 3: eight DB rows with live shellper sockets ⇒
// observed max-in-flight probe count ≤5, probes called exactly 8 times,
// all 8 sessions installed in the registry.
func TestReconcileBoundedConcurrencyAllInstalled(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	host := startFakeShellperHost(t, func(sessionID string) (bool, time.Duration) {
		return true, 20 * time.Millisecond
	})

	for i := 0; i < 8; i++ {
		row := store.TerminalSessionRow{
			ID:             fmt.Sprintf("sess-%d", i),
			WorkspacePath:  t.TempDir(),
			Type:           "shell",
			RoleID:         fmt.Sprintf("shell-%d", i+1),
			ShellperSocket: host,
			ShellperPID:    1,
		}
		if err := s.PersistSession(row); err != nil {
			t.Fatalf("PersistSession: %v", err)
		}
	}

	m := NewManager(s)
	report := m.Reconcile(context.Background(), ReconcileConfig{ProbeConcurrency: 5, ProbeTimeout: time.Second},
		func(row store.TerminalSessionRow, handle *shellper.ReplayHandle) (string, bool) {
			return row.ID, true
		})

	if report.Probed != 8 {
		t.Fatalf("Probed=%d, want 8", report.Probed)
	}
	if report.Installed != 8 {
		t.Fatalf("Installed=%d, want 8", report.Installed)
	}
	if report.Deleted != 0 {
		t.Fatalf("Deleted=%d, want 0", report.Deleted)
	}
}

// Invariant 5: reconciliation preserves all sessions whose shellper probe
// succeeds and deletes all those that fail.
func TestReconcilePreservesSucceededDeletesFailed(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	goodHost := startFakeShellperHost(t, func(sessionID string) (bool, time.Duration) { return true, 0 })
	badHost := startFakeShellperHost(t, func(sessionID string) (bool, time.Duration) { return false, 0 })

	good := store.TerminalSessionRow{ID: "good", WorkspacePath: t.TempDir(), Type: "shell", RoleID: "shell-1", ShellperSocket: goodHost, ShellperPID: 1}
	bad := store.TerminalSessionRow{ID: "bad", WorkspacePath: t.TempDir(), Type: "shell", RoleID: "shell-1", ShellperSocket: badHost, ShellperPID: 1}
	noLocator := store.TerminalSessionRow{ID: "nolocator", WorkspacePath: t.TempDir(), Type: "shell", RoleID: "shell-1"}

	for _, r := range []store.TerminalSessionRow{good, bad, noLocator} {
		if err := s.PersistSession(r); err != nil {
			t.Fatalf("PersistSession: %v", err)
		}
	}

	m := NewManager(s)
	report := m.Reconcile(context.Background(), ReconcileConfig{ProbeConcurrency: 5, ProbeTimeout: time.Second},
		func(row store.TerminalSessionRow, handle *shellper.ReplayHandle) (string, bool) {
			return row.ID, true
		})

	if report.Installed != 1 {
		t.Fatalf("Installed=%d, want 1", report.Installed)
	}
	if report.Deleted != 2 {
		t.Fatalf("Deleted=%d, want 2", report.Deleted)
	}

	allRows, err := s.ListAllSessions()
	if err != nil {
		t.Fatalf("ListAllSessions: %v", err)
	}
	if len(allRows) != 1 || allRows[0].ID != "good" {
		t.Fatalf("expected only the good row to survive, got %+v", allRows)
	}
}

// Invariant 1 (reconciliation half): after a successful reconciliation,
// the registry entry resolves the row's role ID to a live session.
func TestReconcileInstallsIntoRegistryEntry(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	ws := t.TempDir()
	host := startFakeShellperHost(t, func(sessionID string) (bool, time.Duration) { return true, 0 })
	if err := s.PersistSession(store.TerminalSessionRow{
		ID: "sess-1", WorkspacePath: ws, Type: "builder", RoleID: "builder-spir-1", ShellperSocket: host, ShellperPID: 1,
	}); err != nil {
		t.Fatalf("PersistSession: %v", err)
	}

	m := NewManager(s)
	m.Reconcile(context.Background(), ReconcileConfig{ProbeConcurrency: 5, ProbeTimeout: time.Second},
		func(row store.TerminalSessionRow, handle *shellper.ReplayHandle) (string, bool) {
			return row.ID, true
		})

	e, ok := m.GetEntry(ws)
	if !ok {
		t.Fatal("expected registry entry created for reconciled workspace")
	}
	if e.Builders["builder-spir-1"] != "sess-1" {
		t.Fatalf("expected builder role installed, got %+v", e.Builders)
	}
}

func TestReconcileDeletesRowsWhoseWorkspaceIsGone(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	if err := s.PersistSession(store.TerminalSessionRow{
		ID: "sess-1", WorkspacePath: "/nonexistent/workspace/path", Type: "shell", RoleID: "shell-1",
	}); err != nil {
		t.Fatalf("PersistSession: %v", err)
	}

	m := NewManager(s)
	report := m.Reconcile(context.Background(), ReconcileConfig{}, func(row store.TerminalSessionRow, handle *shellper.ReplayHandle) (string, bool) {
		return row.ID, true
	})

	if report.Deleted != 1 {
		t.Fatalf("Deleted=%d, want 1", report.Deleted)
	}
}

func TestReconcilingFlagClearedAfterReconcile(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	m := NewManager(s)
	m.Reconcile(context.Background(), ReconcileConfig{}, func(row store.TerminalSessionRow, handle *shellper.ReplayHandle) (string, bool) {
		return row.ID, true
	})

	if m.Reconciling() {
		t.Fatal("expected Reconciling() to be false after Reconcile returns")
	}
}
