package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/abyss-app/realtime/protocol"
	"github.com/abyss-app/realtime/telemetry"
)

// healthCheck runs on every tick of the health interval. The owner's timers
// live on their own goroutine and are immune to host-surface throttling; the
// hidden flag only discounts *transport* evidence, not these timers.
func (o *Owner) healthCheck() {
	if !o.running || o.suspended {
		return
	}

	switch o.state {
	case protocol.StateConnected:
		// A reconnect already on the books makes further ping evidence
		// redundant; no new ping until the restart settles.
		if o.pingInFlight || o.reconnectScheduled || o.restartInFlight {
			return
		}
		o.pingInFlight = true
		o.ping(func(err error) { o.onHealthPingResult(err) })
	case protocol.StateDisconnected:
		if !o.hidden {
			o.scheduleReconnect("disconnected")
		}
	case protocol.StateReconnecting:
		if o.reconnectingSince.IsZero() {
			return
		}
		if stuck := time.Since(o.reconnectingSince); stuck > o.cfg.ReconnectingGrace {
			o.emitLog(slog.LevelWarn, "hub: transport reconnect stalled; forcing restart")
			// Restart coalescing keeps this from stacking; re-arm the
			// clock so one stall escalates once per grace period.
			o.reconnectingSince = time.Now()
			o.restart("reconnect-stalled", nil)
		}
	}
}

// ping fires one liveness RPC off-loop and posts the outcome back.
func (o *Owner) ping(done func(error)) {
	tr := o.tr
	if tr == nil {
		o.post(func() { done(ErrNotConnected) })
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(o.runCtx, o.cfg.PingTimeout)
		defer cancel()
		_, err := tr.Invoke(ctx, o.cfg.PingMethod, nil)
		o.post(func() { done(err) })
	}()
}

func (o *Owner) onHealthPingResult(err error) {
	o.pingInFlight = false
	if err == nil {
		o.markActivity()
		return
	}

	if o.hidden {
		// Background throttling of the transport produces false ping
		// timeouts; log them, never count them.
		o.log.Debug("hub: ping failed while hidden; not counted", slog.Any("err", err))
		return
	}

	o.pingFailures++
	telemetry.RecordPingFailure()
	o.log.Warn("hub: ping failed",
		slog.Int("consecutive", o.pingFailures), slog.Any("err", err))
	if o.pingFailures >= o.cfg.PingFailThreshold {
		o.pingFailures = 0
		o.scheduleReconnect("ping-failed")
	}
}

// handleFocusReconnect is the fast path for "the host surface just became
// visible": one short ping, an immediate restart on failure when requested,
// and an alive verdict either way.
func (o *Owner) handleFocusReconnect(m protocol.FocusReconnect) {
	if o.state != protocol.StateConnected || o.tr == nil {
		o.emit(protocol.FocusReconnectResult{ID: m.ID, Alive: false})
		if m.RestartOnFailure && o.running {
			o.restart("focus-reconnect", nil)
		}
		return
	}
	o.ping(func(err error) {
		alive := err == nil
		if alive {
			o.markActivity()
		}
		o.emit(protocol.FocusReconnectResult{ID: m.ID, Alive: alive})
		if !alive && m.RestartOnFailure {
			// Straight to restart; refocus should not sit out a backoff.
			o.restart("focus-reconnect", nil)
		}
	})
}

// handleEnsureConnected guarantees a live connection before an interactive
// action. Recent activity is trusted; stale connections are verified with a
// ping and restarted when the ping exposes a zombie; a disconnected owner
// performs a full start.
func (o *Owner) handleEnsureConnected(m protocol.EnsureConnected) {
	result := func(err error) {
		if err != nil {
			o.emit(protocol.EnsureConnectedResult{ID: m.ID, OK: false, Error: err.Error()})
			return
		}
		o.emit(protocol.EnsureConnectedResult{ID: m.ID, OK: true})
	}

	if o.state == protocol.StateConnected && o.tr != nil {
		if time.Since(o.lastActivity) < o.cfg.StaleThreshold {
			result(nil)
			return
		}
		o.ping(func(err error) {
			if err == nil {
				o.markActivity()
				result(nil)
				return
			}
			// Local state said connected but the remote end is
			// unreachable: a zombie. A full restart still counts as
			// success for the caller once it lands.
			o.emitLog(slog.LevelWarn, "hub: stale connection failed verification ping; restarting")
			o.restart("stale-zombie", &startWaiter{done: result})
		})
		return
	}

	o.startConnection(&startWaiter{done: result})
}
