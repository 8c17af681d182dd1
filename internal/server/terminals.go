package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cluesmith/tower/internal/pty"
	"github.com/cluesmith/tower/internal/store"
)

type createTerminalRequest struct {
	Command       string `json:"command,omitempty"`
	Args          string `json:"args,omitempty"`
	Cwd           string `json:"cwd,omitempty"`
	Cols          int    `json:"cols,omitempty"`
	Rows          int    `json:"rows,omitempty"`
	Label         string `json:"label,omitempty"`
	WorkspacePath string `json:"workspacePath"`
	Type          string `json:"type,omitempty"`
	RoleID        string `json:"roleId,omitempty"`
}

// handleCreateTerminal spawns a new builder or shell PTY under a workspace
// already known to the registry. Architect sessions are only spawned
// internally by workspace.Manager.Activate.
func (s *Server) handleCreateTerminal(w http.ResponseWriter, r *http.Request) {
	var req createTerminalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkspacePath == "" {
		writeError(w, http.StatusBadRequest, "workspacePath is required")
		return
	}
	if !s.registry.IsActive(req.WorkspacePath) {
		writeError(w, http.StatusBadRequest, "workspace not active")
		return
	}

	typ := pty.Type(req.Type)
	if typ == "" {
		typ = pty.TypeShell
	}

	roleID := req.RoleID
	switch typ {
	case pty.TypeShell:
		if roleID == "" {
			roleID = s.registry.AllocateShellRole(req.WorkspacePath)
		}
	case pty.TypeBuilder:
		if roleID == "" {
			writeError(w, http.StatusBadRequest, "roleId is required for builder terminals")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unsupported terminal type")
		return
	}

	shell := strings.TrimSpace(req.Command + " " + req.Args)
	if shell == "" {
		shell = s.cfg.DefaultShell
	}

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = s.cfg.DefaultCols
	}
	if rows <= 0 {
		rows = s.cfg.DefaultRows
	}
	workDir := req.Cwd
	if workDir == "" {
		workDir = req.WorkspacePath
	}

	id := uuid.NewString()
	label := req.Label
	if label == "" {
		label = roleID
	}

	session, err := s.pty.Spawn(id, req.WorkspacePath, typ, roleID, label, shell, workDir, rows, cols)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("spawn terminal: %v", err))
		return
	}
	session.StartOutputReader(s.forwardOutput, func(sessionID string) {
		s.registry.Forget(sessionID)
	})

	s.registry.InstallSession(req.WorkspacePath, string(typ), roleID, id)
	s.registry.Persist(store.TerminalSessionRow{
		ID: id, WorkspacePath: req.WorkspacePath, Type: string(typ), RoleID: roleID,
		PID: session.PID(), Cwd: workDir, Label: label,
	})

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     id,
		"roleId": roleID,
		"type":   string(typ),
	})
}

// handleListTerminals lists persisted terminal rows for a workspace
// (?workspacePath=...), or across all workspaces if omitted.
func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	workspacePath := r.URL.Query().Get("workspacePath")

	var rows []store.TerminalSessionRow
	if workspacePath != "" {
		rows = s.registry.List(workspacePath)
	} else {
		all, err := s.store.ListAllSessions()
		if err != nil {
			rows = []store.TerminalSessionRow{}
		} else {
			rows = all
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"terminals": rows})
}

// handleGetTerminal returns one persisted terminal row by ID.
func (s *Server) handleGetTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	row, ok := s.findTerminalRow(id)
	if !ok {
		writeError(w, http.StatusNotFound, "terminal not found")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) findTerminalRow(id string) (store.TerminalSessionRow, bool) {
	rows, err := s.store.ListAllSessions()
	if err != nil {
		return store.TerminalSessionRow{}, false
	}
	for _, row := range rows {
		if row.ID == id {
			return row, true
		}
	}
	return store.TerminalSessionRow{}, false
}

// handleDeleteTerminal kills a live session and forgets its registry/store
// record.
func (s *Server) handleDeleteTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pty.CloseSession(id); err != nil {
		writeError(w, http.StatusNotFound, "terminal not found")
		return
	}
	s.registry.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// handleResizeTerminal resizes a live PTY.
func (s *Server) handleResizeTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session := s.pty.GetSession(id)
	if session == nil {
		writeError(w, http.StatusNotFound, "terminal not found")
		return
	}

	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows are required")
		return
	}
	if err := session.Resize(req.Cols, req.Rows); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("resize: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type renameRequest struct {
	Name string `json:"name"`
}

// handleRenameTerminal renames a shell terminal's label, deduplicating
// against sibling shell labels in the same workspace by appending the
// lowest free "-N" suffix (spec.md §8, boundary scenario 2). Architect and
// builder sessions may not be renamed.
func (s *Server) handleRenameTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	row, ok := s.findTerminalRow(id)
	if !ok {
		writeError(w, http.StatusNotFound, "terminal not found")
		return
	}
	if row.Type != "shell" {
		writeError(w, http.StatusForbidden, "only shell terminals may be renamed")
		return
	}

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Name) < 1 || len(req.Name) > 100 {
		writeError(w, http.StatusBadRequest, "name must be between 1 and 100 characters")
		return
	}

	siblings := s.registry.List(row.WorkspacePath)
	existing := make(map[string]bool, len(siblings))
	for _, sib := range siblings {
		if sib.Type == "shell" && sib.ID != id && sib.Label != "" {
			existing[sib.Label] = true
		}
	}
	label := dedupeLabel(existing, req.Name)

	if err := s.store.UpdateSessionLabel(id, label); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("rename: %v", err))
		return
	}
	if session := s.pty.GetSession(id); session != nil {
		session.SetLabel(label)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"label": label})
}

// dedupeLabel returns base if unused, else the lowest-numbered "base-N"
// (N≥1) not present in existing.
func dedupeLabel(existing map[string]bool, base string) string {
	if !existing[base] {
		return base
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if !existing[candidate] {
			return candidate
		}
	}
}

// forwardOutput relays a live session's output to its attached WebSocket
// writer, if any, framed with the data tag.
func (s *Server) forwardOutput(sessionID string, data []byte) {
	session := s.pty.GetSession(sessionID)
	if session == nil {
		return
	}
	w := session.GetAttachedWriter()
	if w == nil {
		return
	}
	_, _ = w.Write(data)
}
