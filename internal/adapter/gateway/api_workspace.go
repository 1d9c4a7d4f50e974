package gateway

import (
	"net/http"
	"time"

	"agentdeck/internal/domain"
)

// RegisterRESTHandlers registers the HTTP endpoints and starts the metric
// counters. Every route requires the same credential as the WebSocket.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}
	if deps.Bus != nil {
		metrics.attach(deps.Bus)
	}

	authed := func(next http.HandlerFunc) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(requestToken(r)); err != nil {
				writeError(w, err)
				return
			}
			next(w, r)
		})
	}

	s.RegisterHTTPRoute("/api/v1/status", authed(statusHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authed(metricsHandler(s, deps, startTime, metrics)))
	if deps.Workspace != nil {
		s.RegisterHTTPRoute("/api/workspace/list", authed(workspaceListHandler(deps.Workspace)))
		s.RegisterHTTPRoute("/api/workspace/file", authed(workspaceFileHandler(deps.Workspace)))
	}
	return metrics
}

// workspaceListHandler serves GET /api/workspace/list?path=.
func workspaceListHandler(ws domain.Workspace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		path := r.URL.Query().Get("path")
		entries, err := ws.List(r.Context(), path)
		if err != nil {
			writeError(w, err)
			return
		}
		if entries == nil {
			entries = []domain.WorkspaceEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": path, "entries": entries})
	}
}

// workspaceFileHandler serves GET /api/workspace/file?path=.
func workspaceFileHandler(ws domain.Workspace) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		path := r.URL.Query().Get("path")
		if path == "" {
			writeError(w, domain.NewSubSystemError("workspace", "workspace.file", domain.ErrInvalidInput, "path is required"))
			return
		}
		f, err := ws.ReadFile(r.Context(), path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	}
}
