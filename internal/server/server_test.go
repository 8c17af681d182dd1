package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cluesmith/tower/internal/config"
	"github.com/cluesmith/tower/internal/overview"
	"github.com/cluesmith/tower/internal/pty"
	"github.com/cluesmith/tower/internal/registry"
	"github.com/cluesmith/tower/internal/store"
	"github.com/cluesmith/tower/internal/workspace"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.NewManager(s)
	ptyMgr := pty.NewManager(pty.ManagerConfig{DefaultShell: "/bin/cat", DefaultRows: 24, DefaultCols: 80, BufferSize: 4096})
	wsMgr := workspace.NewManager(workspace.ManagerConfig{
		Registry:     reg,
		PTYManager:   ptyMgr,
		Limiter:      workspace.NewActivationLimiter(10),
		RestartDelay: 10 * time.Millisecond,
		DefaultRows:  24,
		DefaultCols:  80,
	})
	wsMgr.MarkReady()

	tracker := overview.NewIssueTracker(nil, time.Second)
	overviewAgg := overview.New(tracker, s, time.Minute, time.Minute)

	cfg := &config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		AllowedOrigins:  []string{"http://localhost:7420"},
		DefaultShell:    "/bin/cat",
		DefaultRows:     24,
		DefaultCols:     80,
		HTTPReadTimeout: 15 * time.Second,
		HTTPIdleTimeout: 60 * time.Second,
	}

	return New(Deps{
		Config:    cfg,
		Registry:  reg,
		Workspace: wsMgr,
		PTY:       ptyMgr,
		Store:     s,
		Overview:  overviewAgg,
	})
}
