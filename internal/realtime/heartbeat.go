package realtime

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// heartbeat is the liveness scope of one open transport. ctx ends when the
// transport is torn down.
type heartbeat struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (h *heartbeat) halt() {
	h.cancel()
}

// startHeartbeatLocked starts the scope for t and, with a positive
// HeartbeatInterval, pings t on every tick.
func (c *Conn) startHeartbeatLocked(gen uint64, t Transport) *heartbeat {
	c.stopHeartbeatLocked()
	ctx, cancel := context.WithCancel(context.Background())
	hb := &heartbeat{ctx: ctx, cancel: cancel}
	c.hb = hb
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(hb, gen, t)
	}
	return hb
}

func (c *Conn) stopHeartbeatLocked() {
	if c.hb != nil {
		c.hb.halt()
		c.hb = nil
	}
}

func (c *Conn) heartbeatLoop(hb *heartbeat, gen uint64, t Transport) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hb.ctx.Done():
			return
		case <-ticker.C:
			if !c.heartbeatTick(gen, t) {
				return
			}
		}
	}
}

// heartbeatTick sends one ping. With MaxMissedPongs set, a transport that
// has let that many pings go unanswered is force-closed, which the pump then
// reports as an unplanned close.
func (c *Conn) heartbeatTick(gen uint64, t Transport) bool {
	c.mu.Lock()
	if c.gen.Load() != gen || c.state != StateConnected {
		c.mu.Unlock()
		return false
	}
	if c.awaitingPong {
		c.missedPongs++
	}
	missed := c.missedPongs
	stale := c.cfg.MaxMissedPongs > 0 && missed >= c.cfg.MaxMissedPongs
	if !stale {
		c.awaitingPong = true
	}
	lastPong := c.lastPongAt
	c.mu.Unlock()

	if stale {
		c.logger.Warn("no pong received, connection stale",
			"missed", missed,
			"last_pong", lastPong,
			"error", ErrStaleConnection,
		)
		t.Close(websocket.CloseGoingAway, ErrStaleConnection.Error())
		return false
	}

	if err := c.write(t, newControlFrame(TypePing, time.Now())); err != nil {
		c.logger.Debug("failed to send ping", "error", err)
	}
	return true
}
