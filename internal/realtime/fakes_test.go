package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

var errDialRefused = errors.New("dial refused")

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	msgs chan TimestampedMessage

	mu          sync.Mutex
	sent        [][]byte
	closed      bool
	closeCode   int
	closeReason string
	err         error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{msgs: make(chan TimestampedMessage, 64)}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Messages() <-chan TimestampedMessage {
	return f.msgs
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	close(f.msgs)
	return nil
}

// drop simulates the remote end going away.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.msgs)
}

func (f *fakeTransport) deliver(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.deliverRaw(data)
}

func (f *fakeTransport) deliverRaw(data []byte) {
	f.msgs <- TimestampedMessage{Data: data, ReceivedAt: time.Now()}
}

func (f *fakeTransport) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func (f *fakeTransport) sentMessages(t *testing.T) []Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Message, 0, len(f.sent))
	for _, data := range f.sent {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal sent frame: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func (f *fakeTransport) sentOfType(t *testing.T, typ MessageType) []Message {
	t.Helper()
	var out []Message
	for _, msg := range f.sentMessages(t) {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

// fakeDialer records dials and hands out fakeTransports. mode, when set,
// runs before each dial and fails it by returning an error.
type fakeDialer struct {
	mu         sync.Mutex
	urls       []string
	transports []*fakeTransport
	mode       func(ctx context.Context) error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	mode := d.mode
	d.mu.Unlock()

	if mode != nil {
		if err := mode(ctx); err != nil {
			return nil, err
		}
	}

	t := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) setMode(fn func(ctx context.Context) error) {
	d.mu.Lock()
	d.mode = fn
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func (d *fakeDialer) transportCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func refuse(context.Context) error { return errDialRefused }

func hang(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// eventLog collects connection events.
type eventLog struct {
	mu     sync.Mutex
	events []ConnectionEvent
}

func (l *eventLog) record(ev ConnectionEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []ConnectionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionEvent(nil), l.events...)
}

func (l *eventLog) states() []ConnectionState {
	var out []ConnectionState
	for _, ev := range l.snapshot() {
		out = append(out, ev.State)
	}
	return out
}

func (l *eventLog) count(state ConnectionState) int {
	n := 0
	for _, ev := range l.snapshot() {
		if ev.State == state {
			n++
		}
	}
	return n
}

func (l *eventLog) last() (ConnectionEvent, bool) {
	events := l.snapshot()
	if len(events) == 0 {
		return ConnectionEvent{}, false
	}
	return events[len(events)-1], true
}

// messageLog collects routed messages.
type messageLog struct {
	mu   sync.Mutex
	msgs []Message
}

func (l *messageLog) record(msg Message) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func (l *messageLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func (l *messageLog) get(i int) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.msgs[i]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://gateway.test/ws/realtime/"
	cfg.ReconnectDelays = []time.Duration{5 * time.Millisecond}
	cfg.MaxReconnectAttempts = 3
	cfg.HeartbeatInterval = time.Hour
	cfg.ConnectTimeout = time.Second
	return cfg
}

// newTestConn builds a Conn over a fakeDialer and disconnects it on cleanup.
func newTestConn(t *testing.T, cfg Config) (*Conn, *fakeDialer, *eventLog) {
	t.Helper()
	dialer := &fakeDialer{}
	c := NewConn(cfg, WithDialer(dialer))
	events := &eventLog{}
	c.OnConnection(events.record)
	t.Cleanup(c.Disconnect)
	return c, dialer, events
}
