package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// hubServer is a scriptable in-process hub endpoint.
type hubServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	conns   chan *serverConn
	accepts atomic.Int32
	refuse  atomic.Bool
}

type serverConn struct {
	conn  *websocket.Conn
	hello frame
	auth  string
}

func newHubServer(t *testing.T) *hubServer {
	t.Helper()
	h := &hubServer{t: t, conns: make(chan *serverConn, 8)}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		h.accepts.Add(1)

		var hello frame
		if err := conn.ReadJSON(&hello); err != nil {
			t.Logf("read hello: %v", err)
			_ = conn.Close()
			return
		}
		if hello.Type != frameHello {
			t.Errorf("first frame type = %q, want hello", hello.Type)
		}
		h.conns <- &serverConn{conn: conn, hello: hello, auth: r.Header.Get("Authorization")}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *hubServer) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *hubServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-h.conns:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("no client connection arrived")
		return nil
	}
}

// serve answers invocation frames on this connection until it dies.
func (sc *serverConn) serve(result string) {
	go func() {
		for {
			var f frame
			if err := sc.conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case frameInvocation:
				_ = sc.conn.WriteJSON(frame{Type: frameCompletion, ID: f.ID, Result: json.RawMessage(result)})
			case framePing:
				_ = sc.conn.WriteJSON(frame{Type: framePong, ID: f.ID})
			}
		}
	}()
}

func newTestWebSocket(h *hubServer, mut func(*Options)) *WebSocket {
	opt := Options{
		URL:               h.url(),
		AccessToken:       func(context.Context) (string, error) { return "tok-1", nil },
		KeepAliveInterval: 50 * time.Millisecond,
		ReconnectAttempts: 3,
		Backoff:           Backoff{Min: 10 * time.Millisecond, Max: 40 * time.Millisecond, Factor: 2},
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mut != nil {
		mut(&opt)
	}
	return NewWebSocket(opt)
}

func TestStartSendsHelloWithSubscriptions(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, nil)
	w.Subscribe("MessageCreated", func([]json.RawMessage) {})
	w.Subscribe("PresenceUpdated", func([]json.RawMessage) {})

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Abort()

	sc := h.accept(t)
	if sc.auth != "Bearer tok-1" {
		t.Errorf("authorization = %q", sc.auth)
	}
	got := map[string]bool{}
	for _, e := range sc.hello.Events {
		got[e] = true
	}
	if !got["MessageCreated"] || !got["PresenceUpdated"] || len(got) != 2 {
		t.Errorf("hello events = %v", sc.hello.Events)
	}
	if w.ConnectionID() == "" {
		t.Error("no connection id after start")
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Abort()
	h.accept(t)

	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestStartEmptyTokenFails(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, func(o *Options) {
		o.AccessToken = func(context.Context) (string, error) { return "", nil }
	})
	if err := w.Start(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Abort()
	h.accept(t).serve(`"pong"`)

	res, err := w.Invoke(context.Background(), "Ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(res) != `"pong"` {
		t.Fatalf("result = %s", res)
	}
}

func TestInvokeServerError(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Abort()

	sc := h.accept(t)
	go func() {
		var f frame
		if err := sc.conn.ReadJSON(&f); err != nil {
			return
		}
		_ = sc.conn.WriteJSON(frame{Type: frameCompletion, ID: f.ID, Error: "no such method"})
	}()

	if _, err := w.Invoke(context.Background(), "Bogus", nil); err == nil || !strings.Contains(err.Error(), "no such method") {
		t.Fatalf("err = %v, want the server's error", err)
	}
}

func TestInvokeNotConnected(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, nil)
	if _, err := w.Invoke(context.Background(), "Ping", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestEventDispatch(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, nil)
	got := make(chan []json.RawMessage, 1)
	w.Subscribe("MessageCreated", func(args []json.RawMessage) { got <- args })

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Abort()

	sc := h.accept(t)
	if err := sc.conn.WriteJSON(frame{
		Type:   frameEvent,
		Target: "MessageCreated",
		Args:   []json.RawMessage{json.RawMessage(`{"id":"m1"}`)},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case args := <-got:
		if len(args) != 1 || string(args[0]) != `{"id":"m1"}` {
			t.Fatalf("args = %v", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestServerPingAnswered(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Abort()

	sc := h.accept(t)
	if err := sc.conn.WriteJSON(frame{Type: framePing, ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = sc.conn.SetReadDeadline(deadline)
		var f frame
		if err := sc.conn.ReadJSON(&f); err != nil {
			t.Fatalf("no pong: %v", err)
		}
		if f.Type == framePong {
			if f.ID != "p1" {
				t.Fatalf("pong id = %q", f.ID)
			}
			return
		}
		// Keep-alive pings from the client may interleave.
	}
}

func TestAutoReconnect(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, nil)
	reconnecting := make(chan error, 1)
	reconnected := make(chan struct{}, 1)
	closed := make(chan error, 1)
	w.HandleReconnecting(func(err error) { reconnecting <- err })
	w.HandleReconnected(func() { reconnected <- struct{}{} })
	w.HandleClose(func(err error) { closed <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Abort()

	sc := h.accept(t)
	firstID := w.ConnectionID()
	_ = sc.conn.Close()

	select {
	case <-reconnecting:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnecting handler never fired")
	}
	h.accept(t)
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnected handler never fired")
	}
	if w.ConnectionID() == "" || w.ConnectionID() == firstID {
		t.Errorf("connection id not refreshed: %q", w.ConnectionID())
	}
	select {
	case err := <-closed:
		t.Fatalf("close handler fired during successful reconnect: %v", err)
	default:
	}
}

func TestRestartDuringReconnectBackoffAbandonsOldLoop(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, func(o *Options) {
		o.Backoff = Backoff{Min: 300 * time.Millisecond, Max: 300 * time.Millisecond, Factor: 1}
		// The harness server never answers pings; keep the keepalive from
		// timing out the second session inside the observation window.
		o.KeepAliveInterval = 10 * time.Second
	})
	reconnecting := make(chan error, 1)
	reconnected := make(chan struct{}, 4)
	closed := make(chan error, 1)
	w.HandleReconnecting(func(err error) { reconnecting <- err })
	w.HandleReconnected(func() { reconnected <- struct{}{} })
	w.HandleClose(func(err error) { closed <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Abort()

	sc := h.accept(t)
	_ = sc.conn.Close()
	select {
	case <-reconnecting:
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop never started")
	}

	// Restart while the old loop sleeps out its backoff. The loop belongs to
	// the stopped session and must abandon itself rather than dial a second,
	// duplicate connection behind the new one.
	if err := w.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.accept(t)
	secondID := w.ConnectionID()

	time.Sleep(500 * time.Millisecond) // well past the orphaned loop's delay
	if got := h.accepts.Load(); got != 2 {
		t.Fatalf("server accepted %d connections, want 2", got)
	}
	if w.ConnectionID() != secondID {
		t.Errorf("connection id clobbered by orphaned loop: %q, want %q", w.ConnectionID(), secondID)
	}
	select {
	case <-reconnected:
		t.Fatal("reconnected handler fired for an abandoned session")
	default:
	}
	select {
	case err := <-closed:
		t.Fatalf("close handler fired across the restart: %v", err)
	default:
	}
}

func TestReconnectExhaustionFiresClose(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, nil)
	closed := make(chan error, 1)
	w.HandleClose(func(err error) { closed <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Abort()

	sc := h.accept(t)
	h.refuse.Store(true)
	_ = sc.conn.Close()

	select {
	case err := <-closed:
		if err == nil {
			t.Fatal("close handler fired with nil error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("close handler never fired after exhausting retries")
	}
	if w.Reconnecting() {
		t.Error("still reporting reconnecting after giving up")
	}
}

func TestStopIsSilentAndFailsPending(t *testing.T) {
	h := newHubServer(t)
	w := newTestWebSocket(h, nil)
	closed := make(chan error, 1)
	w.HandleClose(func(err error) { closed <- err })

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.accept(t) // never answer invocations

	invokeErr := make(chan error, 1)
	go func() {
		_, err := w.Invoke(context.Background(), "SendMessage", nil)
		invokeErr <- err
	}()
	time.Sleep(30 * time.Millisecond) // let the invocation register

	if err := w.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-invokeErr:
		if err == nil || !strings.Contains(err.Error(), ErrStopped.Error()) {
			t.Fatalf("pending invoke err = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending invocation never failed")
	}
	select {
	case err := <-closed:
		t.Fatalf("close handler fired for an intentional stop: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if w.ConnectionID() != "" {
		t.Error("connection id survives stop")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	for attempt, want := range map[int]time.Duration{
		0: 100 * time.Millisecond,
		1: 200 * time.Millisecond,
		2: 400 * time.Millisecond,
		4: time.Second, // capped
		9: time.Second,
	} {
		if got := b.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %s, want %s", attempt, got, want)
		}
	}

	j := DefaultBackoff()
	for attempt := 0; attempt < 12; attempt++ {
		d := j.Delay(attempt)
		if d < j.Min || d > j.Max {
			t.Errorf("jittered Delay(%d) = %s outside [%s, %s]", attempt, d, j.Min, j.Max)
		}
	}
}
