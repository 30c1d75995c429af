// Package visibility translates the host surface's foreground/background
// signal into connection-owner messages: the hidden flag on every change,
// and a fast liveness check on the hidden→visible edge so a connection that
// died while backgrounded is caught immediately instead of on the next
// health tick.
package visibility

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Connection is the slice of the proxy surface the coordinator needs.
type Connection interface {
	SetVisibility(hidden bool)
	FocusReconnect(ctx context.Context, restartOnFailure bool) (bool, error)
}

// Coordinator owns the visibility flag for one host surface.
type Coordinator struct {
	conn Connection
	log  *slog.Logger

	// FocusTimeout bounds the refocus liveness round-trip.
	FocusTimeout time.Duration

	mu     sync.Mutex
	hidden bool
}

func NewCoordinator(conn Connection, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{conn: conn, log: log, FocusTimeout: 10 * time.Second}
}

// Hidden reports the current flag.
func (c *Coordinator) Hidden() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hidden
}

// SetHidden pushes a visibility change. Becoming visible additionally
// requests a focus-reconnect with restart-on-failure.
func (c *Coordinator) SetHidden(hidden bool) {
	c.mu.Lock()
	changed := c.hidden != hidden
	c.hidden = hidden
	c.mu.Unlock()
	if !changed {
		return
	}

	c.conn.SetVisibility(hidden)
	if hidden {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.FocusTimeout)
		defer cancel()
		alive, err := c.conn.FocusReconnect(ctx, true)
		if err != nil {
			c.log.Warn("visibility: focus reconnect failed", slog.Any("err", err))
			return
		}
		c.log.Debug("visibility: focus check", slog.Bool("alive", alive))
	}()
}
