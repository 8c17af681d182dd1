package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cluesmith/tower/internal/tunnel"
)

// blockTunnelPaths rejects requests that arrive through the tunnel for
// paths under /api/tunnel/, per spec.md §4.5 — these are strictly
// local-only and must never be reachable from the gateway side.
func (s *Server) blockTunnelPaths(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tunnel.TunnelHeader) != "" && strings.HasPrefix(r.URL.Path, "/api/tunnel/") {
			writeError(w, http.StatusForbidden, "path not reachable through tunnel")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireTunnelAuth wraps a workspace-scoped route so that, when a JWT
// validator is configured, any request that arrived via the tunnel (as
// opposed to Tower's own localhost listener) must carry a bearer token
// scoped to the workspace the route's {id} path value names. Local,
// non-tunnel requests are never challenged — Tower trusts its own
// loopback listener per spec.md's non-goal on multi-user authorization;
// only the gateway-proxied path crosses a real trust boundary.
func (s *Server) requireTunnelAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.jwtValidator == nil || r.Header.Get(tunnel.TunnelHeader) == "" {
			next(w, r)
			return
		}

		workspacePath, err := decodeWorkspacePath(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid workspace path encoding")
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.jwtValidator.Validate(token, workspacePath); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

// Metadata builds the current workspace/terminal snapshot exposed to the
// gateway, matching tunnel.MetadataProvider's signature so bootstrap can
// wire s.Metadata directly into tunnel.Config.MetadataProvider.
func (s *Server) Metadata() tunnel.Metadata {
	summaries := s.workspace.ListWorkspaces()
	workspaces := make([]tunnel.WorkspaceSummary, 0, len(summaries))
	var terminals []tunnel.TerminalSummary

	for _, ws := range summaries {
		rows := s.registry.List(ws.Path)
		workspaces = append(workspaces, tunnel.WorkspaceSummary{
			Path:          ws.Path,
			TerminalCount: len(rows),
		})
		for _, row := range rows {
			terminals = append(terminals, tunnel.TerminalSummary{
				ID:            row.ID,
				WorkspacePath: row.WorkspacePath,
				Type:          row.Type,
				RoleID:        row.RoleID,
			})
		}
	}

	return tunnel.Metadata{Workspaces: workspaces, Terminals: terminals}
}

// handleMetadataPull serves GET /__tower/metadata through the tunnel, for
// gateway-side polling.
func (s *Server) handleMetadataPull(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Metadata())
}

// handleMetadataPush receives the tunnel client's own metadata snapshot.
// In this single-process topology the client and server share state
// directly (Metadata reads live registry/workspace state), so this route
// exists only to satisfy the documented contract symmetrically — it
// accepts and discards the body.
func (s *Server) handleMetadataPush(w http.ResponseWriter, r *http.Request) {
	var snapshot tunnel.Metadata
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		writeError(w, http.StatusBadRequest, "invalid metadata body")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
