package journal

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/marketstream/internal/buffer"
	"github.com/rickgao/marketstream/internal/realtime"
)

// Source is the subset of *realtime.Conn the Recorder listens to.
type Source interface {
	OnConnection(fn func(realtime.ConnectionEvent)) realtime.Listener
	OnSubscription(fn func(realtime.Message)) realtime.Listener
	OnUnsubscription(fn func(realtime.Message)) realtime.Listener
	OnError(fn func(realtime.Message)) realtime.Listener
	Off(l realtime.Listener) bool
}

var _ Source = (*realtime.Conn)(nil)

// Recorder turns connection events into journal entries and writes them to
// a Store in batches.
type Recorder struct {
	cfg       Config
	store     Store
	logger    *slog.Logger
	sessionID uuid.UUID

	// Input from listeners
	queue *buffer.Queue[Entry]

	attachMu  sync.Mutex
	source    Source
	listeners []realtime.Listener

	// Batching
	batch   []Entry
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics Metrics
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(cfg Config, store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		sessionID: uuid.New(),
		queue:     buffer.New[Entry](cfg.BufferSize),
		batch:     make([]Entry, 0, cfg.BatchSize),
	}
}

// SessionID identifies this Recorder's entries.
func (r *Recorder) SessionID() uuid.UUID {
	return r.sessionID
}

// Attach starts listening to src. A previous source is detached first.
func (r *Recorder) Attach(src Source) {
	r.Detach()

	r.attachMu.Lock()
	defer r.attachMu.Unlock()

	r.source = src
	r.listeners = []realtime.Listener{
		src.OnConnection(r.onConnection),
		src.OnSubscription(r.onAck(KindSubscription)),
		src.OnUnsubscription(r.onAck(KindUnsubscription)),
		src.OnError(r.onError),
	}
}

// Detach removes the Recorder's listeners.
func (r *Recorder) Detach() {
	r.attachMu.Lock()
	defer r.attachMu.Unlock()

	if r.source == nil {
		return
	}
	for _, l := range r.listeners {
		r.source.Off(l)
	}
	r.source = nil
	r.listeners = nil
}

// Start begins consuming events and writing to the store.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	// Consumer goroutine
	r.wg.Add(1)
	go r.consumeLoop()

	// Flush ticker goroutine
	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("journal recorder started",
		"session_id", r.sessionID,
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop detaches, drains what is queued and performs a final flush.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping journal recorder")

	r.Detach()
	r.queue.Close()

	if r.cancel != nil {
		r.cancel()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("journal recorder stop timed out")
	}

	// Final flush
	r.appendEntries(r.queue.Drain(0))
	r.flush(ctx)

	r.logger.Info("journal recorder stopped", "inserts", r.Stats().Inserts)
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

func (r *Recorder) onConnection(ev realtime.ConnectionEvent) {
	e := r.newEntry(KindState)
	e.State = ev.State.String()
	if ev.Err != nil {
		e.Detail = ev.Err.Error()
	}
	r.record(e)
}

// onAck journals one entry per acknowledged key.
func (r *Recorder) onAck(kind Kind) func(realtime.Message) {
	return func(msg realtime.Message) {
		keys := msg.Subscriptions
		if kind == KindUnsubscription {
			keys = msg.RemovedSubscriptions
		}

		if len(keys) == 0 {
			e := r.newEntry(kind)
			e.Symbol = msg.Symbol
			e.DataType = msg.DataType
			e.Detail = msg.Message
			r.record(e)
			return
		}

		for _, key := range keys {
			e := r.newEntry(kind)
			e.Symbol, e.DataType, _ = strings.Cut(key, ":")
			e.Detail = msg.Message
			r.record(e)
		}
	}
}

func (r *Recorder) onError(msg realtime.Message) {
	e := r.newEntry(KindError)
	e.Symbol = msg.Symbol
	e.DataType = msg.DataType
	e.Detail = msg.ErrorText()
	r.record(e)
}

func (r *Recorder) newEntry(kind Kind) Entry {
	return Entry{
		ID:         uuid.New(),
		SessionID:  r.sessionID,
		Kind:       kind,
		RecordedAt: time.Now().UTC(),
	}
}

func (r *Recorder) record(e Entry) {
	if !r.queue.Push(e) {
		r.batchMu.Lock()
		r.metrics.Dropped++
		r.batchMu.Unlock()
	}
}

// consumeLoop moves queued entries into the batch.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.queue.Ready():
			for {
				entries := r.queue.Drain(r.cfg.BatchSize)
				if len(entries) == 0 {
					break
				}
				if r.appendEntries(entries) {
					r.flush(r.ctx)
				}
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush(r.ctx)
		}
	}
}

// appendEntries adds entries to the batch and reports whether it is full.
func (r *Recorder) appendEntries(entries []Entry) bool {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	r.batch = append(r.batch, entries...)
	return len(r.batch) >= r.cfg.BatchSize
}

// flush writes the current batch to the store.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]Entry, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	if err := r.store.Insert(ctx, batch); err != nil {
		r.logger.Error("journal insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch))
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed journal",
		"count", len(batch),
		"duration", time.Since(start),
	)
}
