package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindState          Kind = "state"
	KindSubscription   Kind = "subscription"
	KindUnsubscription Kind = "unsubscription"
	KindError          Kind = "error"
)

// Entry is one journal row.
type Entry struct {
	ID         uuid.UUID
	SessionID  uuid.UUID // One per Recorder
	Kind       Kind
	State      string // Connection state for KindState
	Symbol     string
	DataType   string
	Detail     string // Error text or server message
	RecordedAt time.Time
}

// Store persists entries.
type Store interface {
	// Insert writes entries; rows whose ID already exists are skipped.
	Insert(ctx context.Context, entries []Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	Close() error
}

// Config contains configuration for the Recorder.
type Config struct {
	// BatchSize is the number of entries to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize is the initial capacity of the event queue.
	BufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// Metrics holds recorder counters.
type Metrics struct {
	Inserts int64
	Errors  int64
	Flushes int64
	Dropped int64 // Events that arrived after Stop
}
