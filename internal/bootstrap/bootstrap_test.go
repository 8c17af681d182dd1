package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cluesmith/tower/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("TOWER_DB_PATH", filepath.Join(t.TempDir(), "test.db"))
	t.Setenv("TOWER_DEFAULT_SHELL", "/bin/cat")
	t.Setenv("TOWER_DEFAULT_ARCHITECT", "/bin/cat")
	t.Setenv("TOWER_DEFAULT_BUILDER", "/bin/cat")
	t.Setenv("TOWER_PORT", "0")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

// TestRunMarksWorkspaceReadyOnlyAfterReconciliation covers the second of
// spec.md §4.1's two reconciliation race gates: with no persisted sessions
// to reconcile, Run must still leave the workspace manager Ready once it
// returns.
func TestRunMarksWorkspaceReadyOnlyAfterReconciliation(t *testing.T) {
	cfg := testConfig(t)

	daemon, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(func() { daemon.Store.Close() })

	if !daemon.Workspace.Ready() {
		t.Fatal("expected workspace manager to be Ready once Run returns")
	}
	if daemon.Registry.Reconciling() {
		t.Fatal("expected reconciliation to have completed before Run returns")
	}
}

func TestRunLeavesTunnelNilWhenDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.TunnelEnabled = false

	daemon, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(func() { daemon.Store.Close() })

	if daemon.Tunnel != nil {
		t.Fatal("expected Tunnel to be nil when TunnelEnabled is false")
	}
}

func TestShutdownClosesStore(t *testing.T) {
	cfg := testConfig(t)

	daemon, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := daemon.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
