package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/cluesmith/tower/internal/workspace"
)

// handleListWorkspaces lists active workspaces and their terminal counts.
// Returns an empty list while the lifecycle manager is not yet Ready — the
// first of spec.md §4.1's two reconciliation race gates.
func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspaces": s.workspace.ListWorkspaces(),
	})
}

// handleActivate activates a workspace. The activation rate limit (10/min
// per client IP) is enforced inside workspace.Manager.Activate; every other
// terminal/workspace route is unlimited, per spec.md §4.4.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	path, err := decodeWorkspacePath(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workspace path encoding")
		return
	}

	result := s.workspace.Activate(path, clientIP(r))
	if !result.Success {
		status := http.StatusBadRequest
		if result.Error == "rate limit exceeded" {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, map[string]interface{}{"success": false, "error": result.Error})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"allocatedPort": result.AllocatedPort,
	})
}

// handleDeactivate deactivates a workspace. Not rate-limited.
func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	path, err := decodeWorkspacePath(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workspace path encoding")
		return
	}

	result := s.workspace.Deactivate(path)
	if !result.Success {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": result.Error})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleWorkspaceStatus returns per-workspace state. Not rate-limited.
func (s *Server) handleWorkspaceStatus(w http.ResponseWriter, r *http.Request) {
	path, err := decodeWorkspacePath(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workspace path encoding")
		return
	}

	status, ok := s.workspace.GetStatus(path)
	if !ok {
		writeError(w, http.StatusNotFound, "workspace not active")
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(status))
}

func toStatusDTO(status workspace.Status) map[string]interface{} {
	return map[string]interface{}{
		"path":           status.Path,
		"active":         status.Active,
		"architectState": status.ArchitectState,
		"architectId":    status.ArchitectID,
		"builders":       status.Builders,
		"shells":         status.Shells,
	}
}

// clientIP extracts the requester's IP for activation rate limiting,
// preferring X-Forwarded-For's first hop since Tower may sit behind the
// tunnel's in-process dispatch (which sets no remote addr of its own).
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
