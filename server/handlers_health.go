package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/abyss-app/realtime/protocol"
)

// HandleHealthz responds to liveness checks. The process being able
// to answer is the whole check; connection state belongs to readiness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready only while the hub connection is usable:
// connected, or reconnecting with the owner still driving recovery.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	state := h.conn.State()
	ready := state == protocol.StateConnected || state == protocol.StateReconnecting

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "not_ready",
			"state":  state.String(),
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready", "state": state.String()})
}

// HandleStatus returns the connection snapshot for dashboards and debugging.
func (h *Handlers) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":          h.conn.State().String(),
		"uptime_seconds": time.Since(h.started).Seconds(),
	})
}
