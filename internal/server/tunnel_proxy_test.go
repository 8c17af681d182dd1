package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cluesmith/tower/internal/tunnel"
)

func TestBlockTunnelPathsRejectsTunnelScopedRequestsToTunnelAPI(t *testing.T) {
	s := newTestServer(t)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := s.blockTunnelPaths(next)

	req := httptest.NewRequest(http.MethodGet, "/api/tunnel/something", nil)
	req.Header.Set(tunnel.TunnelHeader, "1")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if called {
		t.Fatal("next handler must not run for a tunnel-origin request to /api/tunnel/*")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rec.Code)
	}
}

func TestBlockTunnelPathsAllowsOrdinaryRequests(t *testing.T) {
	s := newTestServer(t)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := s.blockTunnelPaths(next)

	req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("next handler must run for a non-tunnel request")
	}
}

func TestBlockTunnelPathsAllowsTunnelOriginOutsideTunnelAPI(t *testing.T) {
	s := newTestServer(t)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := s.blockTunnelPaths(next)

	req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
	req.Header.Set(tunnel.TunnelHeader, "1")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("tunnel-origin requests to non-tunnel paths must pass through")
	}
}

// TestHandlerRejectsTunnelRequestToTunnelAPI drives a request through
// s.Handler() itself — the exact dispatch path tunnel.Client uses for
// proxied requests (tunnel/client.go's handleRequest calls
// cfg.Handler.ServeHTTP) — rather than unit-testing blockTunnelPaths in
// isolation. This is the path where the guard was previously bypassed:
// Handler used to return the bare mux, so a tunnel-origin request to
// /api/tunnel/* never passed through blockTunnelPaths at all.
func TestHandlerRejectsTunnelRequestToTunnelAPI(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tunnel/something", nil)
	req.Header.Set(tunnel.TunnelHeader, "1")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403 for a tunnel-origin request to /api/tunnel/* dispatched through Handler()", rec.Code)
	}
}
