package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/abyss-app/realtime/protocol"
)

type staticConn struct{ state protocol.State }

func (c staticConn) State() protocol.State { return c.state }

func TestHealthz(t *testing.T) {
	mux := NewMux(staticConn{state: protocol.StateDisconnected})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestReadyzByState(t *testing.T) {
	cases := []struct {
		state protocol.State
		want  int
	}{
		{protocol.StateDisconnected, http.StatusServiceUnavailable},
		{protocol.StateConnecting, http.StatusServiceUnavailable},
		{protocol.StateConnected, http.StatusOK},
		{protocol.StateReconnecting, http.StatusOK},
	}
	for _, tc := range cases {
		mux := NewMux(staticConn{state: tc.state})
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != tc.want {
			t.Errorf("readyz while %s: status = %d, want %d", tc.state, rec.Code, tc.want)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("readyz while %s: %v", tc.state, err)
		}
		if body["state"] != tc.state.String() {
			t.Errorf("readyz while %s: body state = %q", tc.state, body["state"])
		}
	}
}

func TestStatus(t *testing.T) {
	mux := NewMux(staticConn{state: protocol.StateConnected})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != "connected" {
		t.Errorf("state = %v", body["state"])
	}
	if _, ok := body["uptime_seconds"].(float64); !ok {
		t.Errorf("uptime_seconds missing: %v", body)
	}
}

func TestRequestIDHeader(t *testing.T) {
	mux := NewMux(staticConn{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no request id generated")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "given-id")
	mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "given-id" {
		t.Errorf("request id = %q, want the caller's", got)
	}
}
