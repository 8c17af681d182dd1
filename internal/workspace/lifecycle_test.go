package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cluesmith/tower/internal/pty"
	"github.com/cluesmith/tower/internal/registry"
	"github.com/cluesmith/tower/internal/store"
)

func newTestLifecycleManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.NewManager(s)
	ptyMgr := pty.NewManager(pty.ManagerConfig{DefaultShell: "/bin/cat", DefaultRows: 24, DefaultCols: 80, BufferSize: 4096})

	m := NewManager(ManagerConfig{
		Registry:     reg,
		PTYManager:   ptyMgr,
		Limiter:      NewActivationLimiter(10),
		RestartDelay: 10 * time.Millisecond,
		DefaultRows:  24,
		DefaultCols:  80,
	})
	m.MarkReady()
	return m
}

func TestActivateRejectsNonexistentPath(t *testing.T) {
	m := newTestLifecycleManager(t)
	result := m.Activate("/nonexistent/path/xyz", "")
	if result.Success {
		t.Fatal("expected activation of a nonexistent path to fail")
	}
}

func TestActivateRejectsTempDirectory(t *testing.T) {
	m := newTestLifecycleManager(t)
	result := m.Activate(os.TempDir(), "")
	if result.Success {
		t.Fatal("expected activation of the temp directory to fail")
	}
}

func TestActivateSpawnsArchitectAndGetStatusReportsIt(t *testing.T) {
	m := newTestLifecycleManager(t)
	ws := t.TempDir()

	result := m.Activate(ws, "")
	if !result.Success {
		t.Fatalf("Activate failed: %s", result.Error)
	}

	status, ok := m.GetStatus(ws)
	if !ok {
		t.Fatal("expected GetStatus to report the workspace active")
	}
	if status.ArchitectID == "" {
		t.Fatal("expected an architect session ID after activation")
	}
}

func TestActivateTwiceDoesNotRespawnLiveArchitect(t *testing.T) {
	m := newTestLifecycleManager(t)
	ws := t.TempDir()

	m.Activate(ws, "")
	status1, _ := m.GetStatus(ws)

	result := m.Activate(ws, "")
	if !result.Success {
		t.Fatalf("second Activate failed: %s", result.Error)
	}
	status2, _ := m.GetStatus(ws)
	if status1.ArchitectID != status2.ArchitectID {
		t.Fatalf("expected the same architect session to survive a redundant activate, got %q then %q", status1.ArchitectID, status2.ArchitectID)
	}
}

func TestConcurrentActivateSpawnsExactlyOneArchitect(t *testing.T) {
	m := newTestLifecycleManager(t)
	ws := t.TempDir()

	const n = 20
	results := make([]ActivateResult, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = m.Activate(ws, "")
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if !r.Success {
			t.Fatalf("Activate[%d] failed: %s", i, r.Error)
		}
	}

	sessions := m.pty.SessionsForWorkspace(ws)
	architects := 0
	for _, s := range sessions {
		if s.Type == pty.TypeArchitect {
			architects++
		}
	}
	if architects != 1 {
		t.Fatalf("expected exactly one architect session after concurrent activation, got %d", architects)
	}
}

func TestDeactivateUnknownWorkspaceReturns404Semantics(t *testing.T) {
	m := newTestLifecycleManager(t)
	result := m.Deactivate("/ws/never-activated")
	if result.Success {
		t.Fatal("expected deactivation of an inactive workspace to fail")
	}
}

func TestDeactivateClosesSessionsAndEvictsEntry(t *testing.T) {
	m := newTestLifecycleManager(t)
	ws := t.TempDir()
	m.Activate(ws, "")

	result := m.Deactivate(ws)
	if !result.Success {
		t.Fatalf("Deactivate failed: %s", result.Error)
	}
	if _, ok := m.GetStatus(ws); ok {
		t.Fatal("expected GetStatus to report the workspace inactive after deactivation")
	}
}

func TestListWorkspacesEmptyUntilReady(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	reg := registry.NewManager(s)
	ptyMgr := pty.NewManager(pty.ManagerConfig{DefaultShell: "/bin/true", DefaultRows: 24, DefaultCols: 80, BufferSize: 4096})
	m := NewManager(ManagerConfig{Registry: reg, PTYManager: ptyMgr, Limiter: NewActivationLimiter(10)})

	reg.GetOrCreateEntry("/ws/a")
	if got := m.ListWorkspaces(); len(got) != 0 {
		t.Fatalf("ListWorkspaces before MarkReady = %v, want empty", got)
	}

	m.MarkReady()
	if got := m.ListWorkspaces(); len(got) != 1 {
		t.Fatalf("ListWorkspaces after MarkReady = %v, want 1 entry", got)
	}
}

func TestLaunchInstanceBeforeReadyFails(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	reg := registry.NewManager(s)
	ptyMgr := pty.NewManager(pty.ManagerConfig{DefaultShell: "/bin/true", DefaultRows: 24, DefaultCols: 80, BufferSize: 4096})
	m := NewManager(ManagerConfig{Registry: reg, PTYManager: ptyMgr, Limiter: NewActivationLimiter(10)})

	if err := m.LaunchInstance("/ws/a"); err != ErrStillStartingUp {
		t.Fatalf("LaunchInstance before ready = %v, want ErrStillStartingUp", err)
	}
}

// Boundary scenario 1: the 11th activation from the same IP within a
// minute is rejected.
func TestActivateRateLimitsPerIP(t *testing.T) {
	m := newTestLifecycleManager(t)

	for i := 0; i < 10; i++ {
		ws := t.TempDir()
		if result := m.Activate(ws, "9.9.9.9"); !result.Success {
			t.Fatalf("activation %d rejected unexpectedly: %s", i+1, result.Error)
		}
	}

	result := m.Activate(t.TempDir(), "9.9.9.9")
	if result.Success {
		t.Fatal("expected the 11th activation from the same IP to be rate limited")
	}
}
