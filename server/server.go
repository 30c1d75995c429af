// Package server exposes the diagnostic HTTP surface: health, readiness,
// connection status, and metrics. It injects request IDs into request
// contexts for consistent logging.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abyss-app/realtime/protocol"
)

// Connection is the slice of the proxy surface the handlers read.
type Connection interface {
	State() protocol.State
}

// Handlers carries the dependencies for all routes.
type Handlers struct {
	conn    Connection
	started time.Time
}

func NewHandlers(conn Connection) *Handlers {
	return &Handlers{conn: conn, started: time.Now()}
}

// NewMux returns the HTTP handler with all routes.
func NewMux(conn Connection) http.Handler {
	h := NewHandlers(conn)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)

	return requestID(mux)
}

// requestID stamps each request with an id; handlers and downstream logs use
// it to correlate one request's records.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		slog.Debug("http request", slog.String("request_id", id),
			slog.String("method", r.Method), slog.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}
