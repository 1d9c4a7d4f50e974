package gateway

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"agentdeck/internal/domain"
)

// Metrics counts session and turn activity for the status and metrics
// endpoints.
type Metrics struct {
	SessionsTotal   atomic.Int64
	TurnsClosed     atomic.Int64
	TurnsFailed     atomic.Int64
	TurnsCancelled  atomic.Int64
	ToolCallsTotal  atomic.Int64
	ArtifactBatches atomic.Int64
}

// attach subscribes the counters to bus and returns the unsubscribe function.
func (m *Metrics) attach(bus domain.EventBus) func() {
	return bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		switch e.Type {
		case domain.EventSessionCreated:
			m.SessionsTotal.Add(1)
		case domain.EventTurnClosed:
			m.TurnsClosed.Add(1)
		case domain.EventStreamError:
			m.TurnsFailed.Add(1)
		case domain.EventRunCancelled:
			m.TurnsCancelled.Add(1)
		case domain.EventToolCompleted:
			m.ToolCallsTotal.Add(1)
		case domain.EventArtifactCommands:
			m.ArtifactBatches.Add(1)
		}
	})
}

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
func metricsHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		gauge := func(name, help string, v any) {
			fmt.Fprintf(w, "# HELP agentdeck_%s %s\n# TYPE agentdeck_%s gauge\nagentdeck_%s %v\n", name, help, name, name, v)
		}
		counter := func(name, help string, v int64) {
			fmt.Fprintf(w, "# HELP agentdeck_%s %s\n# TYPE agentdeck_%s counter\nagentdeck_%s %d\n", name, help, name, name, v)
		}

		gauge("sessions_active", "Number of live UI sessions.", deps.Sessions.Count())
		gauge("connections", "Open WebSocket connections.", s.Connections())
		counter("sessions_total", "UI sessions created.", metrics.SessionsTotal.Load())
		counter("turns_closed_total", "Turns closed.", metrics.TurnsClosed.Load())
		counter("turns_failed_total", "Turns that ended with a stream error.", metrics.TurnsFailed.Load())
		counter("turns_cancelled_total", "Runs cancelled by the user.", metrics.TurnsCancelled.Load())
		counter("tool_calls_total", "Completed tool calls.", metrics.ToolCallsTotal.Load())
		counter("artifact_batches_total", "UI command batches dispatched.", metrics.ArtifactBatches.Load())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		gauge("uptime_seconds", "Seconds since start.", int64(time.Since(startTime).Seconds()))
		gauge("goroutines", "Number of goroutines.", runtime.NumGoroutine())
		gauge("heap_alloc_bytes", "Bytes of allocated heap objects.", mem.HeapAlloc)
	}
}
