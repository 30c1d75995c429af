package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/abyss-app/realtime/protocol"
	"github.com/abyss-app/realtime/telemetry"
	"github.com/abyss-app/realtime/transport"
)

// startConnection opens the transport, or joins whatever connection work is
// already in flight. Runs on the loop.
//
// Special cases, in order: already connected resolves immediately without a
// duplicate connect; a transport mid-auto-reconnect is awaited (bounded by
// StartAwaitTimeout) instead of being fought with a conflicting start; a
// (re)start already in flight is joined, never duplicated.
func (o *Owner) startConnection(w *startWaiter) {
	if o.state == protocol.StateConnected {
		w.fire(nil)
		return
	}
	if o.tr != nil && o.tr.Reconnecting() {
		o.awaitReconnect(w)
		return
	}
	if o.restartInFlight {
		o.restartWaiters = append(o.restartWaiters, w)
		return
	}
	if err := o.ensureTransport(); err != nil {
		w.fire(err)
		return
	}

	o.suspended = false
	o.running = true
	o.setState(protocol.StateConnecting)
	o.restartInFlight = true
	o.restartWaiters = append(o.restartWaiters, w)

	tr := o.tr
	go func() {
		ctx, span := otel.Tracer("hub").Start(o.runCtx, "hub.start")
		err := tr.Start(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "start failed")
		}
		span.End()
		o.post(func() { o.onStartComplete(tr, err) })
	}()
}

func (o *Owner) onStartComplete(tr transport.Transport, err error) {
	o.restartInFlight = false
	waiters := o.restartWaiters
	o.restartWaiters = nil

	if !o.running || o.tr != tr {
		// Stopped or reset while the start was in flight. The decision to
		// shut down wins; a connection that landed afterwards must not
		// outlive it.
		if err == nil {
			tr.Abort()
		}
		for _, w := range waiters {
			w.fire(ErrNotRunning)
		}
		return
	}

	if err != nil {
		o.setState(protocol.StateDisconnected)
		o.log.Warn("hub: start failed", slog.Any("err", err))
		for _, w := range waiters {
			w.fire(err)
		}
		return
	}

	o.setState(protocol.StateConnected)
	o.attempt = 0
	o.markActivity()
	o.reconnectingSince = time.Time{}
	o.log.Info("hub: connected", slog.String("connection_id", o.tr.ConnectionID()))
	for _, w := range waiters {
		w.fire(nil)
	}
}

// awaitReconnect parks a start on the transport's in-progress auto-reconnect
// rather than issuing a conflicting one. Timing out counts as failure.
func (o *Owner) awaitReconnect(w *startWaiter) {
	o.reconnectWaiters = append(o.reconnectWaiters, w)
	time.AfterFunc(o.cfg.StartAwaitTimeout, func() {
		o.post(func() {
			w.fire(fmt.Errorf("hub: timed out after %s waiting for transport reconnect", o.cfg.StartAwaitTimeout))
		})
	})
}

func (o *Owner) handleStop() {
	o.running = false
	o.suspended = false
	o.stopReconnectTimer()
	o.pingFailures = 0
	o.reconnectingSince = time.Time{}
	o.setState(protocol.StateDisconnected)
	o.emit(protocol.Closed{Intentional: true})

	tr := o.tr
	if tr == nil {
		o.emit(protocol.Stopped{})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(o.runCtx, 10*time.Second)
		defer cancel()
		if err := tr.Stop(ctx); err != nil {
			o.log.Warn("hub: transport stop", slog.Any("err", err))
		}
		o.post(func() { o.emit(protocol.Stopped{}) })
	}()
}

// handleSuspend tears the transport down for host-surface teardown: no
// reconnect is scheduled and no logical reset happens. In-flight invokes are
// rejected immediately rather than left hanging.
func (o *Owner) handleSuspend() {
	o.running = false
	o.suspended = true
	o.stopReconnectTimer()
	o.pingFailures = 0
	o.reconnectingSince = time.Time{}
	o.setState(protocol.StateDisconnected)
	o.emit(protocol.Closed{Intentional: true})

	tr := o.tr
	if tr == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(o.runCtx, 10*time.Second)
		defer cancel()
		if err := tr.Stop(ctx); err != nil {
			o.log.Warn("hub: transport stop on suspend", slog.Any("err", err))
		}
	}()
}

// handleReset drops the connection object entirely with no graceful close.
// Used on credential invalidation; the next start builds a fresh transport.
func (o *Owner) handleReset() {
	o.running = false
	o.suspended = false
	o.stopReconnectTimer()
	o.attempt = 0
	o.pingFailures = 0
	o.reconnectingSince = time.Time{}
	if o.tr != nil {
		o.tr.Abort()
		o.tr = nil
	}
	o.setState(protocol.StateDisconnected)
	o.log.Info("hub: reset")
}

func (o *Owner) stopReconnectTimer() {
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
		o.reconnectTimer = nil
	}
	o.reconnectScheduled = false
}

// backoffDelay is min(BackoffCap, BackoffBase × 2^attempt).
func (o *Owner) backoffDelay() time.Duration {
	shift := o.attempt
	if shift > 30 {
		shift = 30
	}
	d := o.cfg.BackoffBase << uint(shift)
	if d > o.cfg.BackoffCap || d <= 0 {
		d = o.cfg.BackoffCap
	}
	return d
}

// scheduleReconnect arms the backoff timer for a restart. Already-scheduled
// or in-flight restarts absorb the request; hidden surfaces skip it since
// their ping evidence is unreliable and refocus triggers its own check.
func (o *Owner) scheduleReconnect(reason string) {
	if !o.running || o.suspended {
		return
	}
	if o.hidden {
		o.log.Debug("hub: reconnect not scheduled while hidden", slog.String("reason", reason))
		return
	}
	if o.reconnectScheduled || o.restartInFlight {
		return
	}
	delay := o.backoffDelay()
	o.reconnectScheduled = true
	telemetry.RecordReconnectScheduled(reason)
	o.emitLog(slog.LevelInfo, fmt.Sprintf("hub: reconnect in %s (reason=%s attempt=%d)", delay, reason, o.attempt))
	o.reconnectTimer = time.AfterFunc(delay, func() {
		o.post(func() {
			o.reconnectScheduled = false
			o.reconnectTimer = nil
			o.restart(reason, nil)
		})
	})
}

// restart stops the transport and starts it again with a fresh credential
// (the dial's token handshake fetches one). Concurrent restart requests are
// coalesced onto the one in flight. done, when non-nil, observes the
// outcome. Runs on the loop.
func (o *Owner) restart(reason string, done *startWaiter) {
	if !o.running || o.suspended {
		if done != nil {
			done.fire(ErrNotRunning)
		}
		return
	}
	if o.restartInFlight {
		if done != nil {
			o.restartWaiters = append(o.restartWaiters, done)
		}
		return
	}
	if err := o.ensureTransport(); err != nil {
		if done != nil {
			done.fire(err)
		}
		return
	}

	o.restartInFlight = true
	if done != nil {
		o.restartWaiters = append(o.restartWaiters, done)
	}
	o.setState(protocol.StateReconnecting)
	o.reconnectingSince = time.Now()
	o.emit(protocol.Reconnecting{})

	tr := o.tr
	go func() {
		ctx, span := otel.Tracer("hub").Start(o.runCtx, "hub.restart")
		span.SetAttributes(attribute.String("reason", reason))
		started := time.Now()

		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := tr.Stop(stopCtx); err != nil {
			o.log.Debug("hub: transport stop before restart", slog.Any("err", err))
		}
		cancel()

		err := tr.Start(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "restart failed")
		}
		span.End()
		telemetry.RecordRestart(err == nil, time.Since(started))

		o.post(func() { o.onRestartComplete(tr, reason, err) })
	}()
}

func (o *Owner) onRestartComplete(tr transport.Transport, reason string, err error) {
	o.restartInFlight = false
	waiters := o.restartWaiters
	o.restartWaiters = nil

	if !o.running || o.tr != tr {
		// Stopped or reset while the restart was in flight.
		if err == nil {
			tr.Abort()
		}
		for _, w := range waiters {
			w.fire(ErrNotRunning)
		}
		return
	}

	if err != nil {
		o.attempt++
		o.setState(protocol.StateDisconnected)
		o.reconnectingSince = time.Time{}
		o.log.Warn("hub: restart failed",
			slog.String("reason", reason), slog.Int("attempt", o.attempt), slog.Any("err", err))
		for _, w := range waiters {
			w.fire(err)
		}
		o.scheduleReconnect(reason)
		return
	}

	o.setState(protocol.StateConnected)
	o.attempt = 0
	o.markActivity()
	o.reconnectingSince = time.Time{}
	telemetry.RecordReconnected()
	o.emit(protocol.Reconnected{})
	o.log.Info("hub: restarted", slog.String("reason", reason),
		slog.String("connection_id", o.tr.ConnectionID()))
	for _, w := range waiters {
		w.fire(nil)
	}
}
