package realtime

import (
	"encoding/json"
	"time"
)

// MessageType is the "type" discriminator of a wire frame.
type MessageType string

const (
	TypeSubscribe       MessageType = "subscribe"
	TypeUnsubscribe     MessageType = "unsubscribe"
	TypeSubscribeAck    MessageType = "subscribe_ack"
	TypeSubscriptionAck MessageType = "subscription_ack" // what the gateway actually sends
	TypeUnsubscribeAck  MessageType = "unsubscribe_ack"
	TypeDataUpdate      MessageType = "data_update"
	TypeInitialData     MessageType = "initial_data"
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
	TypeError           MessageType = "error"
)

// timestampLayout matches JavaScript's Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Message is a JSON text frame exchanged with the gateway.
type Message struct {
	Type     MessageType `json:"type"`
	Symbol   string      `json:"symbol,omitempty"`
	DataType string      `json:"dataType,omitempty"`

	// Plural forms read by the gateway's subscribe/unsubscribe handlers.
	Symbols   []string `json:"symbols,omitempty"`
	DataTypes []string `json:"data_types,omitempty"`

	Data                 json.RawMessage `json:"data,omitempty"`
	Source               string          `json:"source,omitempty"`
	Subscriptions        []string        `json:"subscriptions,omitempty"`
	RemovedSubscriptions []string        `json:"removed_subscriptions,omitempty"`
	Message              string          `json:"message,omitempty"`
	Error                string          `json:"error,omitempty"`
	Timestamp            string          `json:"timestamp"`

	Raw        []byte    `json:"-"` // Verbatim inbound frame
	ReceivedAt time.Time `json:"-"` // Local receive time of an inbound frame
}

// TimestampedMessage wraps raw frame bytes with their receive time.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// UnmarshalJSON accepts both "dataType" and the gateway's "data_type".
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var wire struct {
		plain
		DataTypeSnake string `json:"data_type"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*m = Message(wire.plain)
	if m.DataType == "" {
		m.DataType = wire.DataTypeSnake
	}
	return nil
}

// ErrorText returns whichever error description the frame carries.
func (m Message) ErrorText() string {
	if m.Error != "" {
		return m.Error
	}
	return m.Message
}

// decodeMessage parses an inbound frame.
func decodeMessage(tm TimestampedMessage) (Message, error) {
	var msg Message
	if err := json.Unmarshal(tm.Data, &msg); err != nil {
		return Message{}, err
	}
	msg.Raw = tm.Data
	msg.ReceivedAt = tm.ReceivedAt
	return msg, nil
}

func newControlFrame(typ MessageType, now time.Time) Message {
	return Message{
		Type:      typ,
		Timestamp: now.UTC().Format(timestampLayout),
	}
}

func newSubscriptionFrame(typ MessageType, key SubscriptionKey, now time.Time) Message {
	msg := newControlFrame(typ, now)
	msg.Symbol = key.Symbol
	msg.DataType = key.DataType
	msg.Symbols = []string{key.Symbol}
	msg.DataTypes = []string{key.DataType}
	return msg
}
