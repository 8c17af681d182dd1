package registry

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cluesmith/tower/internal/shellper"
	"github.com/cluesmith/tower/internal/store"
)

// ReconcileConfig bounds the startup reconciliation pass.
type ReconcileConfig struct {
	ProbeConcurrency int
	ProbeTimeout     time.Duration
}

// ReconcileReport summarizes the outcome of a reconciliation pass, for
// logging and tests.
type ReconcileReport struct {
	Probed    int
	Installed int
	Deleted   int
}

// OnReattach is invoked once per row whose shellper probe succeeded, in
// sequential order, so the caller can construct a live session object
// (shellperBacked=true) before it is installed into the registry. The
// caller is expected to return the session ID to install — normally
// row.ID.
type OnReattach func(row store.TerminalSessionRow, handle *shellper.ReplayHandle) (sessionID string, ok bool)

type probeOutcome struct {
	row    store.TerminalSessionRow
	handle *shellper.ReplayHandle
	err    error
}

// Reconcile runs the startup reconciliation algorithm described in the
// terminal registry design: every row in terminal_sessions whose
// workspace directory still exists is probed for a responsive shellper
// socket, with bounded concurrency; probe results are then applied to the
// registry sequentially to avoid concurrent mutation. Rows that fail
// their probe, or have no shellper locator, are deleted. While this runs,
// Reconciling() reports true.
func (m *Manager) Reconcile(ctx context.Context, cfg ReconcileConfig, onReattach OnReattach) ReconcileReport {
	m.reconciling.Store(true)
	defer m.reconciling.Store(false)

	concurrency := cfg.ProbeConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}

	rows, err := m.store.ListAllSessions()
	if err != nil {
		slog.Error("reconciliation: read terminal_sessions failed, proceeding with empty registry", "error", err)
		return ReconcileReport{}
	}

	outcomes := make([]probeOutcome, len(rows))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	probed := 0
	for i, row := range rows {
		if _, statErr := os.Stat(row.WorkspacePath); statErr != nil {
			outcomes[i] = probeOutcome{row: row, err: statErr}
			continue
		}
		if !row.HasShellperLocator() {
			outcomes[i] = probeOutcome{row: row, err: errNoLocator}
			continue
		}

		probed++
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, r store.TerminalSessionRow) {
			defer wg.Done()
			defer func() { <-sem }()

			locator := shellper.Locator{SocketPath: r.ShellperSocket, PID: r.ShellperPID, StartTime: r.ShellperStartTime}
			handle, probeErr := shellper.Probe(ctx, locator, r.ID, probeTimeout)
			outcomes[idx] = probeOutcome{row: r, handle: handle, err: probeErr}
		}(i, row)
	}
	wg.Wait()

	report := ReconcileReport{Probed: probed}

	// Sequential fold-apply: no two outcomes mutate the registry
	// concurrently, regardless of how parallel the probing above was.
	for _, o := range outcomes {
		if o.err != nil || o.handle == nil {
			if delErr := m.store.DeleteSession(o.row.ID); delErr != nil {
				slog.Error("reconciliation: delete unreachable session failed", "session", o.row.ID, "error", delErr)
			}
			report.Deleted++
			continue
		}

		cwd := o.row.Cwd
		if cwd == "" {
			cwd = o.row.WorkspacePath
		}
		row := o.row
		row.Cwd = cwd

		sessionID, ok := onReattach(row, o.handle)
		if !ok {
			if delErr := m.store.DeleteSession(o.row.ID); delErr != nil {
				slog.Error("reconciliation: delete failed-reattach session failed", "session", o.row.ID, "error", delErr)
			}
			report.Deleted++
			continue
		}

		m.InstallSession(o.row.WorkspacePath, o.row.Type, o.row.RoleID, sessionID)
		report.Installed++
	}

	return report
}

var errNoLocator = noLocatorError{}

type noLocatorError struct{}

func (noLocatorError) Error() string { return "no shellper locator" }
