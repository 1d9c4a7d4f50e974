package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"agentdeck/internal/domain"
	"agentdeck/internal/usecase/scheduling"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service     ServiceStatus          `json:"service"`
	Sessions    SessionStatus          `json:"sessions"`
	Turns       TurnStatus             `json:"turns"`
	Connections int                    `json:"connections"`
	History     bool                   `json:"history"`
	Workspace   bool                   `json:"workspace"`
	Jobs        []scheduling.EntryInfo `json:"jobs,omitempty"`
}

// ServiceStatus holds process info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SessionStatus holds session counts.
type SessionStatus struct {
	Active    int   `json:"active"`
	Streaming int   `json:"streaming"`
	Total     int64 `json:"total"`
}

// TurnStatus holds turn counters since start.
type TurnStatus struct {
	Closed    int64 `json:"closed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	ToolCalls int64 `json:"tool_calls"`
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessions := deps.Sessions.List()
		streaming := 0
		for _, rs := range sessions {
			if rs.Status != domain.RunIdle {
				streaming++
			}
		}

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "agentdeck",
				Version:       deps.Version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Sessions: SessionStatus{
				Active:    len(sessions),
				Streaming: streaming,
				Total:     metrics.SessionsTotal.Load(),
			},
			Turns: TurnStatus{
				Closed:    metrics.TurnsClosed.Load(),
				Failed:    metrics.TurnsFailed.Load(),
				Cancelled: metrics.TurnsCancelled.Load(),
				ToolCalls: metrics.ToolCallsTotal.Load(),
			},
			Connections: s.Connections(),
			History:     deps.History != nil,
			Workspace:   deps.Workspace != nil,
		}
		if deps.Jobs != nil {
			resp.Jobs = deps.Jobs()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to an HTTP status and a {code, message} body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrPathOutsideSandbox):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrFileTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrRPCInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthInvalid):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrRateLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrBackendUnavailable), errors.Is(err, domain.ErrStreamTransport):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, newFrameError(err))
}
