// Package hub implements the connection owner: the single goroutine domain
// that holds the real hub transport, manages its lifecycle, health-checks it,
// and schedules reconnection with backoff.
//
// The owner communicates with its consumer purely through protocol messages
// on its inbox and outbox channels; nothing else touches the transport. All
// state below the mutex-free line is owned by the run loop: slow operations
// run in goroutines and post their completions back onto the loop, so the
// loop itself never blocks on the network and a stuck transport can never
// deadlock control traffic (the token handshake in particular).
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/abyss-app/realtime/protocol"
	"github.com/abyss-app/realtime/telemetry"
	"github.com/abyss-app/realtime/transport"
)

var (
	ErrNotConnected = errors.New("hub: not connected")
	ErrNotRunning   = errors.New("hub: owner not running")
)

// Config tunes the owner's health and reconnect behavior. Zero values take
// the defaults below.
type Config struct {
	// HealthInterval is the cadence of the liveness check. Default 30s.
	HealthInterval time.Duration

	// PingTimeout bounds one liveness ping. Default 4s; deployments whose
	// timers are subject to host throttling should raise it to 8s.
	PingTimeout time.Duration

	// PingFailThreshold is how many consecutive non-hidden ping failures
	// trigger a reconnect. Default 2.
	PingFailThreshold int

	// ReconnectingGrace is how long the transport's own retry loop is
	// trusted before the owner escalates to a forced restart. Default 20s.
	ReconnectingGrace time.Duration

	// StaleThreshold is the activity age beyond which ensure-connected
	// verifies the connection instead of trusting local state. Default 45s.
	StaleThreshold time.Duration

	// StartAwaitTimeout bounds a start that is waiting out an in-progress
	// transport auto-reconnect. Default 30s.
	StartAwaitTimeout time.Duration

	// BackoffBase and BackoffCap bound the restart schedule:
	// delay = min(BackoffCap, BackoffBase x 2^attempt). Defaults 1s / 30s.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// KeepAliveInterval is passed through to the default websocket
	// transport. Zero takes the transport's own default.
	KeepAliveInterval time.Duration

	// PingMethod is the lightweight liveness RPC. Default "Ping".
	PingMethod string

	Logger *slog.Logger

	// NewTransport builds the transport for a target address. Default: a
	// websocket transport on the joined URL. Overridable for tests.
	NewTransport func(url, path string, token transport.AccessTokenFunc) transport.Transport
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HealthInterval <= 0 {
		out.HealthInterval = 30 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 4 * time.Second
	}
	if out.PingFailThreshold <= 0 {
		out.PingFailThreshold = 2
	}
	if out.ReconnectingGrace <= 0 {
		out.ReconnectingGrace = 20 * time.Second
	}
	if out.StaleThreshold <= 0 {
		out.StaleThreshold = 45 * time.Second
	}
	if out.StartAwaitTimeout <= 0 {
		out.StartAwaitTimeout = 30 * time.Second
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = time.Second
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 30 * time.Second
	}
	if out.PingMethod == "" {
		out.PingMethod = "Ping"
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.NewTransport == nil {
		out.NewTransport = func(url, path string, token transport.AccessTokenFunc) transport.Transport {
			return transport.NewWebSocket(transport.Options{
				URL:               joinURL(url, path),
				AccessToken:       token,
				KeepAliveInterval: out.KeepAliveInterval,
				Logger:            out.Logger,
			})
		}
	}
	return out
}

func joinURL(url, path string) string {
	if path == "" {
		return url
	}
	return strings.TrimSuffix(url, "/") + "/" + strings.TrimPrefix(path, "/")
}

// startWaiter is one coalesced continuation for an in-flight or awaited
// (re)start.
type startWaiter struct {
	done  func(error)
	fired bool
}

func (w *startWaiter) fire(err error) {
	if w.fired {
		return
	}
	w.fired = true
	w.done(err)
}

// Owner runs the connection state machine. Construct once per process.
type Owner struct {
	cfg Config
	log *slog.Logger

	inbox     chan protocol.Outbound
	outbox    chan protocol.Inbound
	internalc chan func()

	// Everything below is owned by the run loop.
	runCtx            context.Context
	tr                transport.Transport
	url, path         string
	state             protocol.State
	running           bool // start requested and not stopped/suspended/reset
	suspended         bool
	hidden            bool
	attempt           int
	pingFailures      int
	pingInFlight      bool
	lastActivity      time.Time
	reconnectingSince time.Time

	restartInFlight    bool
	restartWaiters     []*startWaiter
	reconnectWaiters   []*startWaiter // starts awaiting a transport auto-reconnect
	reconnectTimer     *time.Timer
	reconnectScheduled bool

	tokenID      uint64
	tokenWaiters map[uint64]chan string
}

// New builds an owner. Run must be called before messages are processed.
func New(cfg Config) *Owner {
	c := cfg.withDefaults()
	return &Owner{
		cfg:          c,
		log:          c.Logger,
		inbox:        make(chan protocol.Outbound, 64),
		outbox:       make(chan protocol.Inbound, 256),
		internalc:    make(chan func(), 128),
		state:        protocol.StateDisconnected,
		tokenWaiters: make(map[uint64]chan string),
	}
}

// Inbox is the channel the consumer sends control messages on.
func (o *Owner) Inbox() chan<- protocol.Outbound { return o.inbox }

// Outbox is the channel the owner emits notifications and results on.
func (o *Owner) Outbox() <-chan protocol.Inbound { return o.outbox }

// Run processes messages until ctx is canceled. It is the owner's isolated
// execution context; call it on a dedicated goroutine.
func (o *Owner) Run(ctx context.Context) {
	o.runCtx = ctx
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.teardown()
			return
		case msg := <-o.inbox:
			o.handle(msg)
		case fn := <-o.internalc:
			fn()
		case <-ticker.C:
			o.healthCheck()
		}
	}
}

// post schedules fn onto the run loop from another goroutine.
func (o *Owner) post(fn func()) bool {
	select {
	case o.internalc <- fn:
		return true
	case <-o.runCtx.Done():
		return false
	}
}

// emit delivers one inbound message to the consumer.
func (o *Owner) emit(msg protocol.Inbound) {
	select {
	case o.outbox <- msg:
	case <-o.runCtx.Done():
	}
}

// emitLog relays a consumer-relevant notice in addition to local logging.
func (o *Owner) emitLog(level slog.Level, msg string) {
	o.log.Log(o.runCtx, level, msg)
	o.emit(protocol.Log{Level: level, Message: msg})
}

func (o *Owner) setState(s protocol.State) {
	if o.state == s {
		return
	}
	o.state = s
	telemetry.SetConnectionState(s.String())
	o.emit(protocol.StateChange{State: s})
}

func (o *Owner) handle(msg protocol.Outbound) {
	switch m := msg.(type) {
	case protocol.Init:
		o.handleInit(m)
	case protocol.Start:
		o.startConnection(&startWaiter{done: func(err error) {
			if err != nil {
				o.emit(protocol.StartError{Error: err.Error()})
				return
			}
			o.emit(protocol.Started{})
		}})
	case protocol.Stop:
		o.handleStop()
	case protocol.Suspend:
		o.handleSuspend()
	case protocol.Reset:
		o.handleReset()
	case protocol.Invoke:
		o.handleInvoke(m)
	case protocol.TokenResponse:
		o.handleTokenResponse(m)
	case protocol.VisibilityChange:
		o.hidden = m.Hidden
		o.log.Debug("hub: visibility changed", slog.Bool("hidden", m.Hidden))
	case protocol.FocusReconnect:
		o.handleFocusReconnect(m)
	case protocol.EnsureConnected:
		o.handleEnsureConnected(m)
	default:
		o.log.Warn("hub: unhandled outbound message", slog.String("kind", msg.Kind()))
	}
}

func (o *Owner) handleInit(m protocol.Init) {
	if o.url == m.URL && o.path == m.Path {
		return
	}
	o.url, o.path = m.URL, m.Path
	o.log.Info("hub: target initialized", slog.String("url", m.URL), slog.String("path", m.Path))
}

func (o *Owner) handleInvoke(m protocol.Invoke) {
	if o.state != protocol.StateConnected || o.tr == nil {
		telemetry.RecordInvocation(false)
		o.emit(protocol.InvokeResult{ID: m.ID, OK: false, Error: ErrNotConnected.Error()})
		return
	}
	tr := o.tr
	go func() {
		res, err := tr.Invoke(o.runCtx, m.Method, m.Args)
		o.post(func() {
			if err != nil {
				telemetry.RecordInvocation(false)
				o.emit(protocol.InvokeResult{ID: m.ID, OK: false, Error: err.Error()})
				return
			}
			o.markActivity()
			telemetry.RecordInvocation(true)
			o.emit(protocol.InvokeResult{ID: m.ID, OK: true, Result: res})
		})
	}()
}

func (o *Owner) handleTokenResponse(m protocol.TokenResponse) {
	ch, ok := o.tokenWaiters[m.ID]
	if !ok {
		o.log.Debug("hub: stale token response", slog.Uint64("id", m.ID))
		return
	}
	delete(o.tokenWaiters, m.ID)
	ch <- m.Token
	close(ch)
}

// requestToken is the transport's credential callback. It round-trips a
// token-request to the consumer and blocks the dialing goroutine (never the
// run loop) until the matching token-response arrives.
func (o *Owner) requestToken(ctx context.Context) (string, error) {
	reply := make(chan string, 1)
	posted := o.post(func() {
		// A newer request supersedes any outstanding one; only the most
		// recent id is ever honored.
		for id, ch := range o.tokenWaiters {
			close(ch)
			delete(o.tokenWaiters, id)
		}
		o.tokenID++
		o.tokenWaiters[o.tokenID] = reply
		o.emit(protocol.TokenRequest{ID: o.tokenID})
	})
	if !posted {
		return "", ErrNotRunning
	}
	select {
	case tok, ok := <-reply:
		if !ok {
			return "", errors.New("hub: token request superseded")
		}
		if tok == "" {
			return "", errors.New("hub: consumer returned no token")
		}
		return tok, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// markActivity records successful traffic and clears the failure counters.
func (o *Owner) markActivity() {
	o.lastActivity = time.Now()
	o.pingFailures = 0
}

// ensureTransport lazily builds the transport and wires its lifecycle
// callbacks and the pre-registered event forwarders.
func (o *Owner) ensureTransport() error {
	if o.tr != nil {
		return nil
	}
	if o.url == "" {
		return errors.New("hub: start before init")
	}
	tr := o.cfg.NewTransport(o.url, o.path, o.requestToken)
	for _, name := range protocol.Events {
		name := name
		tr.Subscribe(name, func(args []json.RawMessage) {
			o.post(func() {
				if o.hidden {
					// Background surfaces re-sync on the reconnected /
					// focus path; forwarding while hidden is wasted work.
					return
				}
				telemetry.RecordEventForwarded(name)
				o.emit(protocol.Event{Name: name, Args: args})
			})
		})
	}
	tr.HandleReconnecting(func(err error) {
		o.post(func() { o.onTransportReconnecting(err) })
	})
	tr.HandleReconnected(func() {
		o.post(o.onTransportReconnected)
	})
	tr.HandleClose(func(err error) {
		o.post(func() { o.onTransportClosed(err) })
	})
	o.tr = tr
	return nil
}

func (o *Owner) onTransportReconnecting(err error) {
	if !o.running {
		return
	}
	o.setState(protocol.StateReconnecting)
	o.reconnectingSince = time.Now()
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	o.emit(protocol.Reconnecting{Error: errStr})
}

func (o *Owner) onTransportReconnected() {
	if !o.running {
		return
	}
	o.setState(protocol.StateConnected)
	o.attempt = 0
	o.markActivity()
	o.reconnectingSince = time.Time{}
	telemetry.RecordReconnected()
	o.emit(protocol.Reconnected{})
	o.fireReconnectWaiters(nil)
}

func (o *Owner) onTransportClosed(err error) {
	if !o.running {
		return
	}
	o.setState(protocol.StateDisconnected)
	o.reconnectingSince = time.Time{}
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	o.emit(protocol.Closed{Error: errStr, Intentional: false})
	o.fireReconnectWaiters(fmt.Errorf("hub: connection closed: %s", errStr))
	o.scheduleReconnect("closed")
}

func (o *Owner) fireReconnectWaiters(err error) {
	waiters := o.reconnectWaiters
	o.reconnectWaiters = nil
	for _, w := range waiters {
		w.fire(err)
	}
}

// teardown runs when the owner's context ends.
func (o *Owner) teardown() {
	o.stopReconnectTimer()
	if o.tr != nil {
		o.tr.Abort()
		o.tr = nil
	}
	for id, ch := range o.tokenWaiters {
		close(ch)
		delete(o.tokenWaiters, id)
	}
}
