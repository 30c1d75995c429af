// Package transport implements the hub transport: a bidirectional RPC +
// event channel over a websocket, authenticated with a bearer token supplied
// through a callback at every (re)connect, with keep-alive pings and a
// bounded internal auto-reconnect loop.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"
)

var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrAlreadyStarted = errors.New("transport: already started")
	ErrClosed         = errors.New("transport: connection closed")
	ErrStopped        = errors.New("transport: stopped")
	ErrNoToken        = errors.New("transport: no access token")
)

// Handler receives the raw arguments of one server-pushed event.
type Handler func(args []json.RawMessage)

// AccessTokenFunc supplies a currently-valid bearer token. It is invoked on
// the initial connect and again on every reconnect attempt.
type AccessTokenFunc func(ctx context.Context) (string, error)

// Transport is the single logical channel to the server. Exactly one
// goroutine domain (the connection owner) drives it; nothing else may.
type Transport interface {
	// Start dials and begins the read and keep-alive loops.
	Start(ctx context.Context) error

	// Stop closes the connection gracefully. Close handlers do not fire for
	// an intentional stop.
	Stop(ctx context.Context) error

	// Abort drops the connection without a graceful close handshake.
	Abort()

	// Invoke calls a hub method and waits for its completion frame. Fails
	// fast with ErrNotConnected when the socket is down.
	Invoke(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error)

	// Subscribe registers a listener for a server-pushed event name. All
	// names must be registered before Start; the server only routes events
	// announced in the connect handshake.
	Subscribe(name string, fn Handler)

	// HandleReconnecting registers a callback fired when the socket drops
	// and the internal retry loop begins.
	HandleReconnecting(fn func(err error))

	// HandleReconnected registers a callback fired when the retry loop
	// re-establishes the socket.
	HandleReconnected(fn func())

	// HandleClose registers a callback fired when the connection ends for
	// any reason other than an intentional Stop.
	HandleClose(fn func(err error))

	// Reconnecting reports whether the internal retry loop is running.
	Reconnecting() bool

	// ConnectionID returns the id of the current session, or "" when down.
	ConnectionID() string
}

// Backoff controls the delay between internal reconnect attempts.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff returns the retry schedule used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{Min: 500 * time.Millisecond, Max: 15 * time.Second, Factor: 2, Jitter: 0.2}
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Min)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		//nolint:gosec // G404: math/rand is sufficient for retry jitter, not used for security
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < float64(b.Min) {
		d = float64(b.Min)
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}
