// Package bootstrap wires Tower's subsystems together in dependency order
// and runs startup reconciliation before the daemon is allowed to serve
// workspace routes. Grounded on the teacher's main.go construction
// sequence (config.Load → server.New → srv.Start), expanded here into an
// explicit multi-stage wiring since Tower has more subsystems than the
// teacher's single server package: store, registry, pty, workspace,
// overview, tunnel, and finally the HTTP server.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cluesmith/tower/internal/auth"
	"github.com/cluesmith/tower/internal/config"
	"github.com/cluesmith/tower/internal/overview"
	"github.com/cluesmith/tower/internal/pty"
	"github.com/cluesmith/tower/internal/registry"
	"github.com/cluesmith/tower/internal/server"
	"github.com/cluesmith/tower/internal/shellper"
	"github.com/cluesmith/tower/internal/store"
	"github.com/cluesmith/tower/internal/tunnel"
	"github.com/cluesmith/tower/internal/workspace"
)

// Daemon bundles every wired subsystem, returned by Run so main can drive
// startup/shutdown without reaching into package internals.
type Daemon struct {
	Config    *config.Config
	Store     *store.Store
	Registry  *registry.Manager
	PTY       *pty.Manager
	Workspace *workspace.Manager
	Overview  *overview.Aggregator
	Server    *server.Server
	Tunnel    *tunnel.Client // nil when TunnelEnabled is false
}

// Run constructs every subsystem, performs startup reconciliation, and
// marks the workspace lifecycle manager ready. The returned Daemon's
// Server has not yet started listening — call Daemon.Server.Start (or
// equivalent) once Run returns.
func Run(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open store: %w", err)
	}

	reg := registry.NewManager(st)

	ptyMgr := pty.NewManager(pty.ManagerConfig{
		DefaultShell: cfg.DefaultShell,
		DefaultRows:  cfg.DefaultRows,
		DefaultCols:  cfg.DefaultCols,
		BufferSize:   cfg.PTYOutputBufferSize,
	})

	limiter := workspace.NewActivationLimiter(cfg.ActivationsPerMinute)

	wsMgr := workspace.NewManager(workspace.ManagerConfig{
		Registry:             reg,
		PTYManager:           ptyMgr,
		Limiter:              limiter,
		RestartDelay:         cfg.RestartDelay,
		DefaultRows:          cfg.DefaultRows,
		DefaultCols:          cfg.DefaultCols,
		ComposingDefaultIdle: cfg.ComposingDefaultIdleMs,
		CrashLoopWindow:      cfg.CrashLoopWindow,
		CrashLoopMax:         cfg.CrashLoopMaxRestarts,
	})

	tracker := overview.NewIssueTracker(issueTrackerCommand(), cfg.IssueTrackerTimeout)
	overviewAgg := overview.New(tracker, st, cfg.OverviewCacheTTL, cfg.AnalyticsCacheTTL)

	var jwtValidator *auth.Validator
	if cfg.JWKSEndpoint != "" {
		jwtValidator, err = auth.NewValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("bootstrap: jwt validator: %w", err)
		}
	}

	slog.Info("bootstrap: starting reconciliation")
	report := reg.Reconcile(ctx, registry.ReconcileConfig{
		ProbeConcurrency: cfg.ReconcileConcurrency,
		ProbeTimeout:     cfg.ReconcileProbeTimeout,
	}, reattachSession(ptyMgr, reg, cfg))
	slog.Info("bootstrap: reconciliation complete",
		"probed", report.Probed, "installed", report.Installed, "deleted", report.Deleted)

	srv := server.New(server.Deps{
		Config:       cfg,
		Registry:     reg,
		Workspace:    wsMgr,
		PTY:          ptyMgr,
		Store:        st,
		Overview:     overviewAgg,
		JWTValidator: jwtValidator,
	})

	d := &Daemon{
		Config:    cfg,
		Store:     st,
		Registry:  reg,
		PTY:       ptyMgr,
		Workspace: wsMgr,
		Overview:  overviewAgg,
		Server:    srv,
	}

	if cfg.TunnelEnabled {
		d.Tunnel = tunnel.New(tunnel.Config{
			GatewayURL:       cfg.TunnelGatewayURL,
			APIKey:           cfg.TunnelAPIKey,
			LocalAddr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:          srv.Handler(),
			MetadataProvider: srv.Metadata,
			ReconnectMin:     cfg.TunnelReconnectMin,
			ReconnectMax:     cfg.TunnelReconnectMax,
			MetadataPeriod:   cfg.TunnelMetadataPeriod,
		})
	}

	// MarkReady last: this is the second of spec.md §4.1's two
	// reconciliation race gates (`_deps`). Before this point, every
	// workspace route observes an empty/not-found state rather than a
	// partially-reconciled one.
	wsMgr.MarkReady()

	return d, nil
}

// Shutdown tears the daemon down in reverse dependency order.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.Tunnel != nil {
		d.Tunnel.Shutdown()
	}
	if err := d.Server.Stop(ctx); err != nil {
		return fmt.Errorf("bootstrap: stop server: %w", err)
	}
	if err := d.Store.Close(); err != nil {
		return fmt.Errorf("bootstrap: close store: %w", err)
	}
	return nil
}

// issueTrackerCommand is the base argv used to invoke the external
// issue-tracker CLI. Empty by default — overview sources return an error
// (surfaced in the aggregated response's errors map) until the deployment
// configures one, per spec.md §4.6's partial-failure-tolerant design.
func issueTrackerCommand() []string {
	return nil
}

// reattachSession constructs a pty.Session from a reconciled shellper-backed
// row: it opens a fresh streaming connection to the shellper socket (the
// probe's own connection is one-shot, closed once the replay handle is
// read) and hands it to pty.Manager.Reattach.
func reattachSession(ptyMgr *pty.Manager, reg *registry.Manager, cfg *config.Config) registry.OnReattach {
	return func(row store.TerminalSessionRow, handle *shellper.ReplayHandle) (string, bool) {
		locator := shellper.Locator{
			SocketPath: row.ShellperSocket,
			PID:        row.ShellperPID,
			StartTime:  row.ShellperStartTime,
		}

		conn, err := shellper.OpenStream(context.Background(), locator, row.ID, cfg.ReconcileProbeTimeout)
		if err != nil {
			slog.Error("bootstrap: reattach stream failed", "session", row.ID, "error", err)
			return "", false
		}

		rows, cols := handle.Rows, handle.Cols
		if rows <= 0 {
			rows = cfg.DefaultRows
		}
		if cols <= 0 {
			cols = cfg.DefaultCols
		}

		session := ptyMgr.Reattach(row.ID, row.WorkspacePath, pty.Type(row.Type), row.RoleID, row.Label, rows, cols, conn, handle.Buffered)
		session.StartOutputReader(
			func(sessionID string, data []byte) {
				if s := ptyMgr.GetSession(sessionID); s != nil {
					if w := s.GetAttachedWriter(); w != nil {
						_, _ = w.Write(data)
					}
				}
			},
			func(sessionID string) { reg.Forget(sessionID) },
		)

		return row.ID, true
	}
}
