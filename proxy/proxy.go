// Package proxy is the consumer-side face of the connection owner. It offers
// the familiar hub surface (On/Off event handlers, Invoke, a read-only state
// mirror, lifecycle callbacks) and forwards everything to the owner as
// protocol messages, reassembling responses by correlation id.
//
// The proxy exclusively owns the pending-invocation map and the handler
// registry; the owner is stateless about correlation ids beyond echoing
// them.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/abyss-app/realtime/protocol"
)

// Handler receives one server-pushed event's raw arguments.
type Handler func(args []json.RawMessage)

// TokenFunc answers the owner's token-request handshake with a
// currently-valid bearer token.
type TokenFunc func(ctx context.Context) (string, error)

// Options configures a Proxy.
type Options struct {
	// Token answers token-request messages. A nil func replies with an
	// empty token, which the owner treats as a failed credential fetch.
	Token TokenFunc

	Logger *slog.Logger
}

type pendingResult struct {
	result json.RawMessage
	alive  bool
	err    error
}

// Proxy forwards the hub surface across the owner boundary.
type Proxy struct {
	send    chan<- protocol.Outbound
	recv    <-chan protocol.Inbound
	log     *slog.Logger
	tokenFn TokenFunc

	mu             sync.RWMutex
	state          protocol.State
	handlers       map[string][]Handler
	onReconnecting []func(error)
	onReconnected  []func()
	onClose        []func(error)

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingResult
	nextID    atomic.Uint64
}

// New wires a proxy to the owner's inbox and outbox. Run must be started
// before responses flow.
func New(send chan<- protocol.Outbound, recv <-chan protocol.Inbound, opt Options) *Proxy {
	log := opt.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{
		send:     send,
		recv:     recv,
		log:      log,
		tokenFn:  opt.Token,
		state:    protocol.StateDisconnected,
		handlers: make(map[string][]Handler),
		pending:  make(map[uint64]chan pendingResult),
	}
}

// Run dispatches inbound messages until ctx is canceled. Call it on its own
// goroutine.
func (p *Proxy) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.recv:
			p.dispatch(ctx, msg)
		}
	}
}

// State is the last owner state received; eventually consistent by design.
func (p *Proxy) State() protocol.State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// On registers a handler for a server-pushed event name.
func (p *Proxy) On(event string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = append(p.handlers[event], h)
}

// Off removes a previously registered handler; a nil handler clears every
// handler for the event.
//
// Handlers are matched by code pointer, so two closures created from the same
// function literal are indistinguishable and Off removes the earliest
// registered one. Callers that need precise removal should register a named
// function or a stored func value, or clear the event with a nil handler.
func (p *Proxy) Off(event string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h == nil {
		delete(p.handlers, event)
		return
	}
	ptr := reflect.ValueOf(h).Pointer()
	hs := p.handlers[event]
	for i, cur := range hs {
		if reflect.ValueOf(cur).Pointer() == ptr {
			p.handlers[event] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// OnReconnecting appends a callback fired when the connection drops and a
// reconnect begins.
func (p *Proxy) OnReconnecting(fn func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReconnecting = append(p.onReconnecting, fn)
}

// OnReconnected appends a callback fired when a reconnect completes. Stores
// re-fetch server-side state here; the owner guarantees transport
// continuity, not application-level replay.
func (p *Proxy) OnReconnected(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReconnected = append(p.onReconnected, fn)
}

// OnClose appends a callback fired on unintentional closes only; deliberate
// shutdowns stay silent.
func (p *Proxy) OnClose(fn func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = append(p.onClose, fn)
}

// Invoke calls a hub method and resolves with its raw result.
func (p *Proxy) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("proxy: marshal argument for %s: %w", method, err)
		}
		raw = append(raw, b)
	}

	id, ch := p.register()
	if err := p.sendCtx(ctx, protocol.Invoke{ID: id, Method: method, Args: raw}); err != nil {
		p.unregister(id)
		return nil, err
	}
	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		p.unregister(id)
		return nil, ctx.Err()
	}
}

// Init stores the hub target address on the owner. Must precede Start.
func (p *Proxy) Init(url, path string) {
	p.send <- protocol.Init{URL: url, Path: path}
}

// Start asks the owner to open the connection. Fire-and-forget; callers
// needing a confirmed-live connection use EnsureConnected.
func (p *Proxy) Start() {
	p.send <- protocol.Start{}
}

// Stop tears the connection down intentionally.
func (p *Proxy) Stop() {
	p.send <- protocol.Stop{}
}

// Suspend tears the transport down without scheduling a reconnect.
func (p *Proxy) Suspend() {
	p.send <- protocol.Suspend{}
}

// Reset drops the connection object entirely; used on logout.
func (p *Proxy) Reset() {
	p.send <- protocol.Reset{}
}

// SetVisibility pushes the host surface's foreground/background state.
func (p *Proxy) SetVisibility(hidden bool) {
	p.send <- protocol.VisibilityChange{Hidden: hidden}
}

// FocusReconnect runs the fast liveness check after refocus and reports
// whether the connection answered.
func (p *Proxy) FocusReconnect(ctx context.Context, restartOnFailure bool) (bool, error) {
	id, ch := p.register()
	if err := p.sendCtx(ctx, protocol.FocusReconnect{ID: id, RestartOnFailure: restartOnFailure}); err != nil {
		p.unregister(id)
		return false, err
	}
	select {
	case res := <-ch:
		return res.alive, nil
	case <-ctx.Done():
		p.unregister(id)
		return false, ctx.Err()
	}
}

// EnsureConnected resolves once the owner guarantees a live connection,
// performing whatever verification or restart that takes.
func (p *Proxy) EnsureConnected(ctx context.Context) error {
	id, ch := p.register()
	if err := p.sendCtx(ctx, protocol.EnsureConnected{ID: id}); err != nil {
		p.unregister(id)
		return err
	}
	select {
	case res := <-ch:
		return res.err
	case <-ctx.Done():
		p.unregister(id)
		return ctx.Err()
	}
}

// register allocates a correlation id; ids are process-wide monotonic and
// never reused while in flight.
func (p *Proxy) register() (uint64, chan pendingResult) {
	id := p.nextID.Add(1)
	ch := make(chan pendingResult, 1)
	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()
	return id, ch
}

func (p *Proxy) unregister(id uint64) {
	p.pendingMu.Lock()
	delete(p.pending, id)
	p.pendingMu.Unlock()
}

// resolve completes a pending entry exactly once and removes it.
func (p *Proxy) resolve(id uint64, res pendingResult) {
	p.pendingMu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.pendingMu.Unlock()
	if !ok {
		p.log.Debug("proxy: result for unknown correlation id", slog.Uint64("id", id))
		return
	}
	ch <- res
}

func (p *Proxy) sendCtx(ctx context.Context, msg protocol.Outbound) error {
	select {
	case p.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Proxy) dispatch(ctx context.Context, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.Event:
		p.dispatchEvent(m)
	case protocol.InvokeResult:
		res := pendingResult{result: m.Result}
		if !m.OK {
			res.err = errors.New(m.Error)
		}
		p.resolve(m.ID, res)
	case protocol.FocusReconnectResult:
		p.resolve(m.ID, pendingResult{alive: m.Alive})
	case protocol.EnsureConnectedResult:
		res := pendingResult{}
		if !m.OK {
			res.err = errors.New(m.Error)
		}
		p.resolve(m.ID, res)
	case protocol.StateChange:
		p.mu.Lock()
		p.state = m.State
		p.mu.Unlock()
	case protocol.Reconnecting:
		var err error
		if m.Error != "" {
			err = errors.New(m.Error)
		}
		p.mu.RLock()
		fns := append([]func(error){}, p.onReconnecting...)
		p.mu.RUnlock()
		for _, fn := range fns {
			fn(err)
		}
	case protocol.Reconnected:
		p.mu.RLock()
		fns := append([]func(){}, p.onReconnected...)
		p.mu.RUnlock()
		for _, fn := range fns {
			fn()
		}
	case protocol.Closed:
		if m.Intentional {
			// Deliberate shutdown; consumers expect silence.
			return
		}
		var err error
		if m.Error != "" {
			err = errors.New(m.Error)
		}
		p.mu.RLock()
		fns := append([]func(error){}, p.onClose...)
		p.mu.RUnlock()
		for _, fn := range fns {
			fn(err)
		}
	case protocol.TokenRequest:
		go p.answerTokenRequest(ctx, m.ID)
	case protocol.Started:
		p.log.Info("proxy: connection started")
	case protocol.StartError:
		p.log.Warn("proxy: connection start failed", slog.String("err", m.Error))
	case protocol.Stopped:
		p.log.Info("proxy: connection stopped")
	case protocol.Log:
		p.log.Log(ctx, m.Level, m.Message)
	default:
		p.log.Warn("proxy: unhandled inbound message", slog.String("kind", msg.Kind()))
	}
}

// dispatchEvent fans one event out to every registered handler in order. A
// panicking handler is isolated so it cannot block delivery to the rest or
// crash the proxy.
func (p *Proxy) dispatchEvent(m protocol.Event) {
	p.mu.RLock()
	hs := append([]Handler{}, p.handlers[m.Name]...)
	p.mu.RUnlock()
	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("proxy: event handler panicked",
						slog.String("event", m.Name), slog.Any("panic", r))
				}
			}()
			h(m.Args)
		}()
	}
}

// answerTokenRequest resolves the owner's credential handshake. An empty
// token reports failure; the owner's dial surfaces that as a connect error.
func (p *Proxy) answerTokenRequest(ctx context.Context, id uint64) {
	token := ""
	if p.tokenFn != nil {
		t, err := p.tokenFn(ctx)
		if err != nil {
			p.log.Warn("proxy: token fetch failed", slog.Any("err", err))
		} else {
			token = t
		}
	}
	select {
	case p.send <- protocol.TokenResponse{ID: id, Token: token}:
	case <-ctx.Done():
	}
}
