package server

import "net/http"

// handleOverview serves GET /api/workspaces/{id}/overview, per SPEC_FULL.md's
// §6 addition surfacing the 4.6 aggregators over HTTP.
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	path, err := decodeWorkspacePath(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workspace path encoding")
		return
	}

	refresh := r.URL.Query().Get("refresh") == "true"
	result := s.overview.Overview(r.Context(), path, refresh)
	writeJSON(w, http.StatusOK, result)
}

// handleAnalytics serves
// GET /api/workspaces/{id}/analytics?range=7&refresh=false.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	path, err := decodeWorkspacePath(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workspace path encoding")
		return
	}

	rangeLabel := r.URL.Query().Get("range")
	if rangeLabel == "" {
		rangeLabel = "7"
	}
	refresh := r.URL.Query().Get("refresh") == "true"

	result := s.overview.Analytics(r.Context(), path, rangeLabel, refresh)
	writeJSON(w, http.StatusOK, result)
}
