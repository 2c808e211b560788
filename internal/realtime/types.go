package realtime

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnecting  = errors.New("already connecting")
	ErrConnectTimeout     = errors.New("connection timeout")
	ErrConnectAborted     = errors.New("connect aborted by disconnect")
	ErrReconnectExhausted = errors.New("max reconnect attempts reached")
	ErrStaleConnection    = errors.New("connection stale (missed pongs)")
	ErrTransportClosed    = errors.New("transport closed")
)

// ConnectionState is the lifecycle state of a Conn.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionEvent is delivered to OnConnection listeners.
type ConnectionEvent struct {
	State ConnectionState
	Err   error // Set for StateError; nil otherwise
}

// SubscriptionRequest asks for every symbol × data type pair.
type SubscriptionRequest struct {
	Symbols   []string
	DataTypes []string
}

// SubscriptionKey identifies one live subscription.
type SubscriptionKey struct {
	Symbol   string
	DataType string
}

// String returns the gateway's "SYMBOL:dataType" form.
func (k SubscriptionKey) String() string {
	return k.Symbol + ":" + k.DataType
}

// Config configures a Conn. It is fixed once the Conn is built.
type Config struct {
	URL                  string          // Gateway URL (e.g., ws://localhost:8000/ws/realtime/)
	ReconnectDelays      []time.Duration // Delay before retry N is ReconnectDelays[min(N-1, last)]
	MaxReconnectAttempts int             // Retries after an unplanned close before giving up
	HeartbeatInterval    time.Duration   // Interval between ping frames
	ConnectTimeout       time.Duration   // Deadline for the dial + handshake

	// MaxMissedPongs force-closes the transport after this many consecutive
	// pings without a pong. Zero leaves liveness advisory (PingMs only).
	MaxMissedPongs int

	// ResubscribeOnReconnect replays the subscription registry after every
	// successful open.
	ResubscribeOnReconnect bool

	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Inbound message channel buffer size

	SendRate  float64 // Outbound frames per second; 0 disables limiting
	SendBurst int     // Token bucket burst when SendRate > 0
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL: "ws://localhost:8000/ws/realtime/",
		ReconnectDelays: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			30 * time.Second,
		},
		MaxReconnectAttempts:   5,
		HeartbeatInterval:      30 * time.Second,
		ConnectTimeout:         10 * time.Second,
		ResubscribeOnReconnect: true,
		WriteTimeout:           5 * time.Second,
		BufferSize:             1000,
		SendBurst:              10,
	}
}

// Stats is a point-in-time view of a Conn.
type Stats struct {
	State               ConnectionState
	Subscriptions       int
	FramesReceived      int64
	FramesSent          int64
	ReconnectsScheduled int64
	LastPongAt          time.Time
}
