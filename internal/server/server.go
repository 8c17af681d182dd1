// Package server exposes Tower's HTTP/WebSocket control plane: workspace
// activation and status, terminal CRUD, PTY attach over WebSocket, the
// overview/analytics aggregators, and the local side of the tunnel's
// proxied-request and blocked-path handling.
//
// Grounded on the teacher's internal/server package — server.go's
// constructor/setupRoutes/corsMiddleware shape, routes.go's writeJSON/
// writeError idiom, and websocket.go's origin-validation upgrader — with
// session/cookie auth dropped (Tower is a localhost-only daemon, per
// spec.md's non-goal on multi-user authorization) and route bodies
// replaced with Tower's workspace/registry/pty domain.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cluesmith/tower/internal/auth"
	"github.com/cluesmith/tower/internal/config"
	"github.com/cluesmith/tower/internal/overview"
	"github.com/cluesmith/tower/internal/pty"
	"github.com/cluesmith/tower/internal/registry"
	"github.com/cluesmith/tower/internal/store"
	"github.com/cluesmith/tower/internal/workspace"
)

// Server is Tower's HTTP server.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	mux        *http.ServeMux

	registry  *registry.Manager
	workspace *workspace.Manager
	pty       *pty.Manager
	store     *store.Store
	overview  *overview.Aggregator

	// jwtValidator is non-nil only when TOWER_JWKS_ENDPOINT is set; it
	// gates tunnel-proxied requests to workspace-scoped routes (see
	// requireTunnelAuth in tunnel_proxy.go).
	jwtValidator *auth.Validator

	startedAt time.Time
}

// Deps bundles the subsystems the server dispatches to. All fields except
// JWTValidator are required.
type Deps struct {
	Config    *config.Config
	Registry  *registry.Manager
	Workspace *workspace.Manager
	PTY       *pty.Manager
	Store     *store.Store
	Overview  *overview.Aggregator

	// JWTValidator is optional; when nil, tunnel-proxied requests are
	// never challenged for a bearer token.
	JWTValidator *auth.Validator
}

// New constructs a Server and wires its routes. The returned http.Handler
// (via Handler) is suitable both for http.Server.Handler and for the
// tunnel client's in-process dispatch.
func New(deps Deps) *Server {
	s := &Server{
		cfg:          deps.Config,
		registry:     deps.Registry,
		workspace:    deps.Workspace,
		pty:          deps.PTY,
		store:        deps.Store,
		overview:     deps.Overview,
		jwtValidator: deps.JWTValidator,
		startedAt:    time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.mux = mux

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", deps.Config.Host, deps.Config.Port),
		Handler:     corsMiddleware(s.Handler(), deps.Config.AllowedOrigins),
		ReadTimeout: deps.Config.HTTPReadTimeout,
		IdleTimeout: deps.Config.HTTPIdleTimeout,
		// WriteTimeout is intentionally left at zero: it would otherwise
		// set a deadline on the connection before the handler runs,
		// killing long-lived WebSocket attaches.
	}

	return s
}

// Handler returns the server's mux wrapped by the tunnel blocklist — this
// is what both the local http.Server and a tunnel.Client's in-process
// dispatch use, so /api/tunnel/* stays unreachable from gateway-proxied
// traffic regardless of which path a request arrives by (spec.md §4.5).
// CORS is layered on top of this only for the local listener, since a
// tunnel.Client dispatches in-process and never needs an Origin check.
func (s *Server) Handler() http.Handler { return s.blockTunnelPaths(s.mux) }

// Start begins serving. Blocks until Stop is called or the listener fails.
func (s *Server) Start() error {
	slog.Info("tower http server starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/workspaces", s.handleListWorkspaces)
	mux.HandleFunc("POST /api/workspaces/{id}/activate", s.requireTunnelAuth(s.handleActivate))
	mux.HandleFunc("POST /api/workspaces/{id}/deactivate", s.requireTunnelAuth(s.handleDeactivate))
	mux.HandleFunc("GET /api/workspaces/{id}/status", s.requireTunnelAuth(s.handleWorkspaceStatus))
	mux.HandleFunc("GET /api/workspaces/{id}/overview", s.requireTunnelAuth(s.handleOverview))
	mux.HandleFunc("GET /api/workspaces/{id}/analytics", s.requireTunnelAuth(s.handleAnalytics))

	mux.HandleFunc("POST /api/terminals", s.handleCreateTerminal)
	mux.HandleFunc("GET /api/terminals", s.handleListTerminals)
	mux.HandleFunc("GET /api/terminals/{id}", s.handleGetTerminal)
	mux.HandleFunc("DELETE /api/terminals/{id}", s.handleDeleteTerminal)
	mux.HandleFunc("POST /api/terminals/{id}/resize", s.handleResizeTerminal)
	mux.HandleFunc("POST /api/terminals/{id}/rename", s.handleRenameTerminal)

	mux.HandleFunc("GET /ws/terminal/{id}", s.handleTerminalWS)

	mux.HandleFunc("GET /workspace/{id}/api/state", s.handleDashboardState)

	mux.HandleFunc("GET /__tower/metadata", s.handleMetadataPull)
	mux.HandleFunc("POST /__tower/metadata-push", s.handleMetadataPush)
}

// corsMiddleware mirrors the teacher's wildcard-subdomain origin matching,
// applied here to ordinary (non-WebSocket) JSON routes.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.Contains(a, "*.") && matchWildcardOrigin(origin, a) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin matches patterns like "https://*.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// createUpgrader builds a WebSocket upgrader that validates Origin
// explicitly, since WebSocket upgrades bypass corsMiddleware entirely.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.cfg.WSReadBufferSize,
		WriteBufferSize: s.cfg.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originAllowed(origin, s.cfg.AllowedOrigins)
		},
	}
}

func (s *Server) uptime() time.Duration { return time.Since(s.startedAt) }
