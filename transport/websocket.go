package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// frame is the wire unit. Invocations carry an id and are answered by
// exactly one completion with the same id; events carry no id. The hello
// frame announces the event names the client wants routed to it.
type frame struct {
	Type   string            `json:"type"` // hello | invocation | completion | event | ping | pong
	ID     string            `json:"id,omitempty"`
	Target string            `json:"target,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Events []string          `json:"events,omitempty"`
}

const (
	frameHello      = "hello"
	frameInvocation = "invocation"
	frameCompletion = "completion"
	frameEvent      = "event"
	framePing       = "ping"
	framePong       = "pong"
)

// Options configures a websocket transport.
type Options struct {
	// URL is the full ws(s) endpoint, path included.
	URL string

	// AccessToken supplies the bearer token for each (re)connect. Optional;
	// nil connects unauthenticated.
	AccessToken AccessTokenFunc

	// KeepAliveInterval is the app-level ping cadence. Optional; default 15s.
	KeepAliveInterval time.Duration

	// ServerTimeout declares the connection dead when nothing arrives for
	// this long. Optional; default 2× KeepAliveInterval, per the liveness
	// contract (client timeout ≥ 2× keep-alive).
	ServerTimeout time.Duration

	// HandshakeTimeout bounds the websocket dial. Optional; default 45s.
	HandshakeTimeout time.Duration

	// ReconnectAttempts bounds the internal retry loop before the transport
	// gives up and fires close handlers. Optional; default 5.
	ReconnectAttempts int

	// Backoff is the internal retry schedule. Optional; DefaultBackoff when
	// all fields are zero.
	Backoff Backoff

	// Logger for transport-level records. Optional; default slog.Default.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = 15 * time.Second
	}
	if out.ServerTimeout <= 0 {
		out.ServerTimeout = 2 * out.KeepAliveInterval
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 45 * time.Second
	}
	if out.ReconnectAttempts <= 0 {
		out.ReconnectAttempts = 5
	}
	if out.Backoff == (Backoff{}) {
		out.Backoff = DefaultBackoff()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// WebSocket is the production Transport. One owner goroutine drives its
// lifecycle; the read and keep-alive pumps are internal.
type WebSocket struct {
	opt Options
	log *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connID       string
	started      bool
	intentional  bool // Stop/Abort in progress; suppress failure handling
	epoch        uint64
	reconnecting bool
	lastInbound  time.Time
	nextID       uint64
	pending      map[string]chan frame
	handlers     map[string]Handler

	onReconnecting []func(error)
	onReconnected  []func()
	onClose        []func(error)

	writeMu sync.Mutex
}

// NewWebSocket builds a websocket transport. Subscribe every event name
// before Start; the hello frame announces them to the server.
func NewWebSocket(opt Options) *WebSocket {
	o := opt.withDefaults()
	return &WebSocket{
		opt:      o,
		log:      o.Logger,
		pending:  make(map[string]chan frame),
		handlers: make(map[string]Handler),
	}
}

func (w *WebSocket) Subscribe(name string, fn Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = fn
}

func (w *WebSocket) HandleReconnecting(fn func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReconnecting = append(w.onReconnecting, fn)
}

func (w *WebSocket) HandleReconnected(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReconnected = append(w.onReconnected, fn)
}

func (w *WebSocket) HandleClose(fn func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClose = append(w.onClose, fn)
}

func (w *WebSocket) Reconnecting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reconnecting
}

func (w *WebSocket) ConnectionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connID
}

// Start dials the hub and begins the pumps. ctx also governs the internal
// reconnect loop of the session it opens.
func (w *WebSocket) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.intentional = false
	// A new epoch orphans any reconnect loop left over from the previous
	// session; only the loop whose epoch still matches may install a
	// connection.
	w.epoch++
	w.mu.Unlock()

	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.install(conn)
	w.mu.Unlock()

	go w.readPump(ctx, conn)
	go w.keepAlive(ctx, conn)
	return nil
}

// install records a live connection. Caller holds w.mu.
func (w *WebSocket) install(conn *websocket.Conn) {
	w.conn = conn
	w.connID = uuid.NewString()
	w.started = true
	w.reconnecting = false
	w.lastInbound = time.Now()
}

// dial opens one websocket session, fetching a fresh bearer token first and
// announcing the subscribed event names.
func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.opt.AccessToken != nil {
		token, err := w.opt.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("transport: access token: %w", err)
		}
		if token == "" {
			return nil, ErrNoToken
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.opt.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, w.opt.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %s: %w", w.opt.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", w.opt.URL, err)
	}

	w.mu.Lock()
	events := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		events = append(events, name)
	}
	w.mu.Unlock()

	if err := w.writeFrame(conn, frame{Type: frameHello, Events: events}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: hello: %w", err)
	}
	return conn, nil
}

// Stop closes the connection gracefully. Intentional, so no close handlers
// fire and pending invocations are failed with ErrStopped.
func (w *WebSocket) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.intentional = true
	w.started = false
	w.epoch++
	conn := w.conn
	w.conn = nil
	w.connID = ""
	w.reconnecting = false
	w.failPendingLocked(ErrStopped)
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	w.writeMu.Unlock()
	return conn.Close()
}

// Abort drops the socket with no close handshake at all.
func (w *WebSocket) Abort() {
	w.mu.Lock()
	w.intentional = true
	w.started = false
	w.epoch++
	conn := w.conn
	w.conn = nil
	w.connID = ""
	w.reconnecting = false
	w.failPendingLocked(ErrClosed)
	w.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Invoke sends one invocation frame and waits for its completion.
func (w *WebSocket) Invoke(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	w.mu.Lock()
	if w.conn == nil || w.reconnecting {
		w.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := w.conn
	w.nextID++
	id := strconv.FormatUint(w.nextID, 10)
	ch := make(chan frame, 1)
	w.pending[id] = ch
	w.mu.Unlock()

	err := w.writeFrame(conn, frame{Type: frameInvocation, ID: id, Target: method, Args: args})
	if err != nil {
		w.dropPending(id)
		return nil, fmt.Errorf("transport: invoke %s: %w", method, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if f.Error != "" {
			return nil, fmt.Errorf("transport: invoke %s: %s", method, f.Error)
		}
		return f.Result, nil
	case <-ctx.Done():
		w.dropPending(id)
		return nil, ctx.Err()
	}
}

func (w *WebSocket) dropPending(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// failPendingLocked rejects every in-flight invocation. Caller holds w.mu.
func (w *WebSocket) failPendingLocked(err error) {
	for id, ch := range w.pending {
		select {
		case ch <- frame{Type: frameCompletion, ID: id, Error: err.Error()}:
		default:
		}
		close(ch)
		delete(w.pending, id)
	}
}

func (w *WebSocket) writeFrame(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readPump drains one session's frames until the socket errors out.
func (w *WebSocket) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.handleDisconnect(ctx, conn, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			w.log.Warn("transport: unparsable frame", slog.Any("err", err))
			continue
		}

		w.mu.Lock()
		w.lastInbound = time.Now()
		w.mu.Unlock()

		switch f.Type {
		case frameCompletion:
			w.mu.Lock()
			ch, ok := w.pending[f.ID]
			delete(w.pending, f.ID)
			w.mu.Unlock()
			if !ok {
				w.log.Debug("transport: completion for unknown id", slog.String("id", f.ID))
				continue
			}
			ch <- f
		case frameEvent:
			w.mu.Lock()
			h := w.handlers[f.Target]
			w.mu.Unlock()
			if h == nil {
				w.log.Debug("transport: event with no listener", slog.String("event", f.Target))
				continue
			}
			// Synchronous dispatch keeps per-event ordering.
			h(f.Args)
		case framePing:
			if err := w.writeFrame(conn, frame{Type: framePong, ID: f.ID}); err != nil {
				w.log.Warn("transport: pong write failed", slog.Any("err", err))
			}
		case framePong, frameHello:
			// lastInbound already advanced; nothing else to do.
		default:
			w.log.Debug("transport: unknown frame type", slog.String("type", f.Type))
		}
	}
}

// keepAlive pings on a fixed cadence and declares the session dead when the
// server has been silent past ServerTimeout.
func (w *WebSocket) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.opt.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		w.mu.Lock()
		current := w.conn == conn
		silent := time.Since(w.lastInbound)
		w.mu.Unlock()
		if !current {
			return
		}
		if silent > w.opt.ServerTimeout {
			w.log.Warn("transport: server silent past timeout; closing socket",
				slog.Duration("silent", silent))
			_ = conn.Close()
			return
		}
		if err := w.writeFrame(conn, frame{Type: framePing}); err != nil {
			w.log.Debug("transport: keep-alive write failed", slog.Any("err", err))
		}
	}
}

// handleDisconnect runs when a session's read pump dies. Intentional stops
// are silent; anything else enters the internal retry loop.
func (w *WebSocket) handleDisconnect(ctx context.Context, conn *websocket.Conn, err error) {
	w.mu.Lock()
	if w.intentional || w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	w.connID = ""
	w.reconnecting = true
	w.failPendingLocked(ErrClosed)
	epoch := w.epoch
	reconnecting := append([]func(error){}, w.onReconnecting...)
	w.mu.Unlock()

	w.log.Info("transport: connection lost; reconnecting", slog.Any("err", err))
	for _, fn := range reconnecting {
		fn(err)
	}
	go w.reconnectLoop(ctx, err, epoch)
}

// reconnectLoop retries the session it was spawned for. A Stop, Abort, or
// fresh Start moves the epoch, at which point the loop abandons itself; the
// intentional flag alone is not enough, since a Stop immediately followed by
// a Start resets it before a sleeping loop gets to look.
func (w *WebSocket) reconnectLoop(ctx context.Context, cause error, epoch uint64) {
	lastErr := cause
	for attempt := 0; attempt < w.opt.ReconnectAttempts; attempt++ {
		delay := w.opt.Backoff.Delay(attempt)
		select {
		case <-ctx.Done():
			w.finishReconnect(ctx.Err(), epoch)
			return
		case <-time.After(delay):
		}

		w.mu.Lock()
		if w.intentional || w.epoch != epoch {
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		conn, err := w.dial(ctx)
		if err != nil {
			lastErr = err
			w.log.Info("transport: reconnect attempt failed",
				slog.Int("attempt", attempt+1), slog.Any("err", err))
			continue
		}

		w.mu.Lock()
		if w.intentional || w.epoch != epoch {
			w.mu.Unlock()
			_ = conn.Close()
			return
		}
		w.install(conn)
		reconnected := append([]func(){}, w.onReconnected...)
		w.mu.Unlock()

		go w.readPump(ctx, conn)
		go w.keepAlive(ctx, conn)
		for _, fn := range reconnected {
			fn()
		}
		return
	}
	w.finishReconnect(lastErr, epoch)
}

// finishReconnect gives up on the session and fires close handlers, unless
// the epoch moved and a newer session owns the state.
func (w *WebSocket) finishReconnect(err error, epoch uint64) {
	w.mu.Lock()
	if w.epoch != epoch {
		w.mu.Unlock()
		return
	}
	w.reconnecting = false
	w.started = false
	closeFns := append([]func(error){}, w.onClose...)
	w.mu.Unlock()

	w.log.Warn("transport: reconnect attempts exhausted", slog.Any("err", err))
	for _, fn := range closeFns {
		fn(err)
	}
}
