package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/marketstream/internal/version"
)

// Transport is one open duplex text-frame connection.
type Transport interface {
	// Send writes one text frame.
	Send(data []byte) error

	// Messages delivers inbound frames with their local receive time. The
	// channel is closed when the transport stops reading for any reason.
	Messages() <-chan TimestampedMessage

	// Err reports why Messages was closed. It is nil after a local Close.
	Err() error

	// Close sends a close frame with code and reason, then tears down.
	Close(code int, reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}

// WebSocketDialer dials gorilla websocket transports.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
	ReadLimit        int64
	Logger           *slog.Logger
}

// Dial opens a websocket to url. ctx bounds the handshake.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufferSize := d.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", version.UserAgent())

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	t := &wsTransport{
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		messages:     make(chan TimestampedMessage, bufferSize),
		done:         make(chan struct{}),
	}
	go t.readLoop()

	logger.Debug("websocket connected", "url", redactURL(url))
	return t, nil
}

// wsTransport implements Transport over a gorilla websocket.
type wsTransport struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	messages chan TimestampedMessage
	done     chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	err    error
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Messages() <-chan TimestampedMessage {
	return t.messages
}

func (t *wsTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)

	t.writeMu.Lock()
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	return t.conn.Close()
}

// readLoop forwards frames until the socket fails or Close is called, then
// closes the messages channel.
func (t *wsTransport) readLoop() {
	defer close(t.messages)

	for {
		_, data, err := t.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			t.mu.Lock()
			if !t.closed {
				t.err = err
				t.closed = true
				t.mu.Unlock()
				t.conn.Close()
				t.logger.Debug("websocket read failed", "error", err)
				return
			}
			t.mu.Unlock()
			return
		}

		msg := TimestampedMessage{
			Data:       data,
			ReceivedAt: receivedAt,
		}

		select {
		case t.messages <- msg:
		case <-t.done:
			return
		}
	}
}
