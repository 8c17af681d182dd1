package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

// writeJSON writes a JSON response, matching the teacher's routes.go idiom.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports liveness and basic counters, per spec.md §6.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	workspaces := s.workspace.ListWorkspaces()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"uptime":           s.uptime().String(),
		"activeWorkspaces": len(workspaces),
		"totalWorkspaces":  len(workspaces),
		"memoryUsage":      humanize.Bytes(mem.Alloc),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDashboardState projects a workspace's terminal sessions for the
// dashboard polling endpoint at GET /workspace/{id}/api/state.
func (s *Server) handleDashboardState(w http.ResponseWriter, r *http.Request) {
	workspacePath, err := decodeWorkspacePath(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workspace path encoding")
		return
	}

	status, ok := s.workspace.GetStatus(workspacePath)
	if !ok {
		writeError(w, http.StatusNotFound, "workspace not active")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":           status.Path,
		"architectState": status.ArchitectState,
		"architectId":    status.ArchitectID,
		"builders":       status.Builders,
		"shells":         status.Shells,
		"terminals":      s.registry.List(workspacePath),
	})
}
