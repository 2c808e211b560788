package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const disconnectReason = "Client disconnecting"

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the gorilla websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Conn) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Conn is a single logical realtime connection. It owns the transport, the
// reconnect schedule, the heartbeat, the subscription registry and the
// listener topics. All methods are safe for concurrent use.
type Conn struct {
	cfg     Config
	logger  *slog.Logger
	dialer  Dialer
	limiter *rate.Limiter
	events  *eventBus

	// gen is bumped whenever in-flight work must be invalidated (new
	// attempt, Disconnect). Written under mu.
	gen atomic.Uint64

	mu           sync.Mutex
	state        ConnectionState
	token        string
	transport    Transport
	pending      *connectAttempt
	schedule     *delaySchedule
	retryTimer   *time.Timer
	hb           *heartbeat
	subs         *subscriptionSet
	lastPongAt   time.Time
	awaitingPong bool
	missedPongs  int

	// Connection events are queued under mu in transition order and
	// delivered by flushEvents, one goroutine at a time.
	eventQ   []ConnectionEvent
	emitting bool

	framesReceived      atomic.Int64
	framesSent          atomic.Int64
	reconnectsScheduled atomic.Int64
}

// connectAttempt is the abort handle for one in-flight dial.
type connectAttempt struct {
	id     uuid.UUID
	gen    uint64
	cancel context.CancelCauseFunc
}

// NewConn creates a disconnected Conn.
func NewConn(cfg Config, opts ...Option) *Conn {
	c := &Conn{
		cfg:      cfg,
		logger:   slog.Default(),
		schedule: newDelaySchedule(cfg.ReconnectDelays, cfg.MaxReconnectAttempts),
		subs:     newSubscriptionSet(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &WebSocketDialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			BufferSize:       cfg.BufferSize,
			Logger:           c.logger,
		}
	}
	if cfg.SendRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), max(cfg.SendBurst, 1))
	}
	c.events = newEventBus(c.logger)
	return c
}

// Connect opens the connection and blocks until it is open or has failed.
//
// Connect on an open Conn returns nil without dialing. Connect while an
// attempt is already in flight returns ErrAlreadyConnecting. A failed dial
// returns the error and then hands over to the reconnect schedule; a
// cancelled ctx returns ctx.Err() and does not retry. Disconnect before
// Connect returns, including from a Connected listener, makes Connect
// return ErrConnectAborted.
func (c *Conn) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrAlreadyConnecting
	}

	c.stopRetryLocked()
	c.schedule.Reset()
	c.token = token
	c.state = StateConnecting
	att, dialCtx, cancel := c.beginAttemptLocked(ctx)
	c.mu.Unlock()
	defer cancel()

	return c.runAttempt(ctx, dialCtx, att)
}

// Disconnect closes the connection, cancels any pending attempt or retry and
// clears the subscription registry. It is a no-op when there is nothing to
// tear down.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	idle := c.state == StateDisconnected &&
		c.transport == nil &&
		c.pending == nil &&
		c.retryTimer == nil &&
		c.subs.len() == 0
	if idle {
		c.mu.Unlock()
		return
	}

	c.gen.Add(1)
	c.stopRetryLocked()
	c.stopHeartbeatLocked()
	c.subs.clear()
	if c.pending != nil {
		c.pending.cancel(ErrConnectAborted)
		c.pending = nil
	}
	t := c.transport
	c.transport = nil
	c.state = StateDisconnected
	c.queueEventLocked(ConnectionEvent{State: StateDisconnected})
	c.mu.Unlock()

	if t != nil {
		if err := t.Close(websocket.CloseNormalClosure, disconnectReason); err != nil {
			c.logger.Debug("close transport", "error", err)
		}
	}

	c.logger.Info("disconnected")
	c.flushEvents()
}

// Subscribe registers every symbol x data type pair and sends one subscribe
// frame per pair, symbol-major. It returns ErrNotConnected, and registers
// nothing, unless the Conn is open. A key is registered just before its
// frame is sent; when a send fails, that key is unregistered again (unless
// it was already subscribed) and the remaining pairs are skipped.
func (c *Conn) Subscribe(ctx context.Context, req SubscriptionRequest) error {
	keys := make([]SubscriptionKey, 0, len(req.Symbols)*len(req.DataTypes))
	for _, symbol := range req.Symbols {
		for _, dataType := range req.DataTypes {
			keys = append(keys, SubscriptionKey{Symbol: symbol, DataType: dataType})
		}
	}

	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("cannot subscribe: not connected", "state", state, "symbols", req.Symbols)
		return ErrNotConnected
	}
	t := c.transport
	gen := c.gen.Load()
	c.mu.Unlock()

	for _, key := range keys {
		c.mu.Lock()
		if c.gen.Load() != gen {
			c.mu.Unlock()
			return ErrNotConnected
		}
		added := c.subs.add(key)
		c.mu.Unlock()

		if err := c.send(ctx, t, newSubscriptionFrame(TypeSubscribe, key, time.Now())); err != nil {
			if added {
				c.mu.Lock()
				if c.gen.Load() == gen {
					c.subs.remove(key)
				}
				c.mu.Unlock()
			}
			return fmt.Errorf("subscribe %s: %w", key, err)
		}
	}

	c.logger.Debug("subscribed", "symbols", req.Symbols, "data_types", req.DataTypes)
	return nil
}

// Unsubscribe removes subscriptions for symbol. With no data types every key
// for the symbol is dropped locally and nothing is sent. With data types,
// each key is removed and one unsubscribe frame per type is sent if the Conn
// is open. The registry is updated in every state.
func (c *Conn) Unsubscribe(ctx context.Context, symbol string, dataTypes ...string) error {
	c.mu.Lock()
	if len(dataTypes) == 0 {
		n := c.subs.removeSymbol(symbol)
		c.mu.Unlock()
		c.logger.Debug("unsubscribed locally", "symbol", symbol, "removed", n)
		return nil
	}

	for _, dataType := range dataTypes {
		c.subs.remove(SubscriptionKey{Symbol: symbol, DataType: dataType})
	}
	connected := c.state == StateConnected
	t := c.transport
	c.mu.Unlock()

	if !connected {
		return nil
	}

	for _, dataType := range dataTypes {
		key := SubscriptionKey{Symbol: symbol, DataType: dataType}
		if err := c.send(ctx, t, newSubscriptionFrame(TypeUnsubscribe, key, time.Now())); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", key, err)
		}
	}
	return nil
}

// UnsubscribeAll empties the registry while the Conn is open. No frames are
// sent.
func (c *Conn) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return
	}
	n := c.subs.len()
	c.subs.clear()
	c.logger.Debug("unsubscribed all", "removed", n)
}

// OnConnection registers a connection state listener.
func (c *Conn) OnConnection(fn func(ConnectionEvent)) Listener {
	return c.events.connection.add(fn)
}

// OnData registers a listener for data_update and initial_data frames.
func (c *Conn) OnData(fn func(Message)) Listener {
	return c.events.data.add(fn)
}

// OnSubscription registers a listener for subscribe acknowledgements.
func (c *Conn) OnSubscription(fn func(Message)) Listener {
	return c.events.subscription.add(fn)
}

// OnUnsubscription registers a listener for unsubscribe acknowledgements.
func (c *Conn) OnUnsubscription(fn func(Message)) Listener {
	return c.events.unsubscription.add(fn)
}

// OnError registers a listener for gateway error frames.
func (c *Conn) OnError(fn func(Message)) Listener {
	return c.events.errors.add(fn)
}

// Off removes a listener. It reports whether the listener was registered.
func (c *Conn) Off(l Listener) bool {
	return c.events.remove(l)
}

// State returns the current connection state.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PingMs returns milliseconds since the last pong, or 0 before the first
// successful open.
func (c *Conn) PingMs() int64 {
	c.mu.Lock()
	last := c.lastPongAt
	c.mu.Unlock()

	if last.IsZero() {
		return 0
	}
	return time.Since(last).Milliseconds()
}

// Subscriptions returns the registry sorted by symbol, then data type.
func (c *Conn) Subscriptions() []SubscriptionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs.list()
}

// Stats returns a snapshot of the Conn's counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		State:               c.state,
		Subscriptions:       c.subs.len(),
		FramesReceived:      c.framesReceived.Load(),
		FramesSent:          c.framesSent.Load(),
		ReconnectsScheduled: c.reconnectsScheduled.Load(),
		LastPongAt:          c.lastPongAt,
	}
}

// beginAttemptLocked starts a new generation and its abort handle. The
// returned cancel must be called once the dial is over.
func (c *Conn) beginAttemptLocked(parent context.Context) (*connectAttempt, context.Context, context.CancelFunc) {
	gen := c.gen.Add(1)

	attemptCtx, cancelAttempt := context.WithCancelCause(parent)
	dialCtx, cancelDial := attemptCtx, context.CancelFunc(func() {})
	if c.cfg.ConnectTimeout > 0 {
		dialCtx, cancelDial = context.WithTimeoutCause(attemptCtx, c.cfg.ConnectTimeout, ErrConnectTimeout)
	}

	att := &connectAttempt{id: uuid.New(), gen: gen, cancel: cancelAttempt}
	c.pending = att

	return att, dialCtx, func() {
		cancelDial()
		cancelAttempt(nil)
	}
}

// runAttempt dials and settles the attempt. parent is the caller's context;
// dialCtx additionally carries the abort handle and connect timeout.
func (c *Conn) runAttempt(parent, dialCtx context.Context, att *connectAttempt) error {
	c.mu.Lock()
	target := buildURL(c.cfg.URL, c.token)
	c.mu.Unlock()

	c.logger.Debug("dialing", "url", redactURL(target), "attempt", att.id)
	t, err := c.dialer.Dial(dialCtx, target)

	c.mu.Lock()
	if c.gen.Load() != att.gen {
		c.mu.Unlock()
		if t != nil {
			t.Close(websocket.CloseNormalClosure, disconnectReason)
		}
		return ErrConnectAborted
	}
	c.pending = nil

	if err != nil {
		if parent.Err() != nil {
			c.state = StateDisconnected
			c.queueEventLocked(ConnectionEvent{State: StateDisconnected})
			c.mu.Unlock()
			c.flushEvents()
			return parent.Err()
		}
		if errors.Is(context.Cause(dialCtx), ErrConnectTimeout) {
			err = fmt.Errorf("%w after %s: %w", ErrConnectTimeout, c.cfg.ConnectTimeout, err)
		}
		c.state = StateError
		c.queueEventLocked(ConnectionEvent{State: StateError, Err: err})
		c.mu.Unlock()

		c.logger.Error("connection failed", "error", err, "url", redactURL(target))
		c.flushEvents()
		c.handleUnplannedClose(att.gen)
		return err
	}

	c.transport = t
	c.state = StateConnected
	c.schedule.Reset()
	c.lastPongAt = time.Now()
	c.awaitingPong = false
	c.missedPongs = 0
	hb := c.startHeartbeatLocked(att.gen, t)
	var replay []SubscriptionKey
	if c.cfg.ResubscribeOnReconnect {
		replay = c.subs.list()
	}
	c.queueEventLocked(ConnectionEvent{State: StateConnected})
	c.mu.Unlock()

	c.logger.Info("connected", "url", redactURL(target))
	c.flushEvents()

	// A Disconnect may have landed since the unlock; its event follows
	// Connected and the transport is already closed.
	if c.gen.Load() != att.gen {
		return ErrConnectAborted
	}
	go c.pump(att.gen, t)

	// hb.ctx ends with this transport, so a throttled replay cannot outlive it.
	for _, key := range replay {
		if err := c.send(hb.ctx, t, newSubscriptionFrame(TypeSubscribe, key, time.Now())); err != nil {
			c.logger.Warn("resubscribe failed", "subscription", key.String(), "error", err)
			break
		}
	}
	if len(replay) > 0 {
		c.logger.Info("resubscribed", "count", len(replay))
	}
	return nil
}

// pump delivers frames from one transport until it closes.
func (c *Conn) pump(gen uint64, t Transport) {
	for tm := range t.Messages() {
		if c.gen.Load() != gen {
			continue
		}
		c.handleFrame(gen, tm)
	}
	c.handleTransportClosed(gen, t.Err())
}

func (c *Conn) handleFrame(gen uint64, tm TimestampedMessage) {
	c.framesReceived.Add(1)

	msg, err := decodeMessage(tm)
	if err != nil {
		c.logger.Warn("failed to parse message", "error", err, "size", len(tm.Data))
		return
	}

	switch msg.Type {
	case TypeDataUpdate, TypeInitialData:
		c.events.data.emit(msg)
	case TypeSubscribeAck, TypeSubscriptionAck:
		c.events.subscription.emit(msg)
	case TypeUnsubscribeAck:
		c.events.unsubscription.emit(msg)
	case TypePong:
		c.mu.Lock()
		if c.gen.Load() == gen {
			c.lastPongAt = msg.ReceivedAt
			c.awaitingPong = false
			c.missedPongs = 0
		}
		c.mu.Unlock()
	case TypeError:
		c.logger.Error("gateway error", "error", msg.ErrorText(), "symbol", msg.Symbol)
		c.events.errors.emit(msg)
	default:
		c.logger.Debug("ignoring message", "type", msg.Type)
	}
}

// handleTransportClosed runs when a transport stops delivering frames. Only
// the current generation counts; planned closes bump gen first.
func (c *Conn) handleTransportClosed(gen uint64, err error) {
	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.mu.Unlock()

	if err == nil {
		err = ErrTransportClosed
	}
	c.logger.Warn("connection closed", "error", err)
	c.handleUnplannedClose(gen)
}

// handleUnplannedClose moves to Disconnected and either schedules a retry or,
// with the budget spent, settles in Error.
func (c *Conn) handleUnplannedClose(gen uint64) {
	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		return
	}
	c.stopRetryLocked()
	c.stopHeartbeatLocked()
	c.state = StateDisconnected

	delay := c.schedule.NextBackOff()
	if delay == backoff.Stop {
		c.state = StateError
		attempts := c.schedule.attempts()
		c.queueEventLocked(ConnectionEvent{State: StateError, Err: ErrReconnectExhausted})
		c.mu.Unlock()

		c.logger.Error("giving up on reconnect", "attempts", attempts)
		c.flushEvents()
		return
	}

	attempt := c.schedule.attempts()
	c.retryTimer = time.AfterFunc(delay, func() { c.retry(gen) })
	c.reconnectsScheduled.Add(1)
	c.mu.Unlock()

	c.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
}

// retry is the reconnect timer callback.
func (c *Conn) retry(gen uint64) {
	c.mu.Lock()
	if c.gen.Load() != gen || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.state = StateConnecting
	att, dialCtx, cancel := c.beginAttemptLocked(context.Background())
	c.queueEventLocked(ConnectionEvent{State: StateConnecting})
	c.mu.Unlock()
	defer cancel()

	c.flushEvents()
	c.runAttempt(context.Background(), dialCtx, att)
}

func (c *Conn) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Conn) queueEventLocked(ev ConnectionEvent) {
	c.eventQ = append(c.eventQ, ev)
}

// flushEvents delivers queued connection events in order. If another
// goroutine is already delivering, it picks the new events up; this includes
// transitions raised from inside a listener.
func (c *Conn) flushEvents() {
	c.mu.Lock()
	if c.emitting {
		c.mu.Unlock()
		return
	}
	c.emitting = true
	for len(c.eventQ) > 0 {
		ev := c.eventQ[0]
		c.eventQ = c.eventQ[1:]
		c.mu.Unlock()

		c.events.connection.emit(ev)

		c.mu.Lock()
	}
	c.eventQ = nil
	c.emitting = false
	c.mu.Unlock()
}

// send writes a subscription frame through the rate limiter.
func (c *Conn) send(ctx context.Context, t Transport, msg Message) error {
	if t == nil {
		return ErrNotConnected
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return c.write(t, msg)
}

// write sends msg immediately. Control frames use it directly so pings are
// never queued behind subscription traffic.
func (c *Conn) write(t Transport, msg Message) error {
	if t == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := t.Send(data); err != nil {
		return err
	}
	c.framesSent.Add(1)
	return nil
}

// buildURL appends the token as a query parameter.
func buildURL(base, token string) string {
	if token == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}

// redactURL hides the token for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if !q.Has("token") {
		return raw
	}
	q.Set("token", "REDACTED")
	u.RawQuery = q.Encode()
	return u.String()
}
