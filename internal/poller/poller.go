package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketstream/internal/api"
)

// Fetcher is the subset of the REST client the poller uses.
type Fetcher interface {
	GetUserQuota(ctx context.Context, userID string) (*api.UserQuotaResponse, error)
	GetUserConnections(ctx context.Context, userID string) (*api.UserConnectionsResponse, error)
}

var _ Fetcher = (*api.Client)(nil)

// SnapshotHandler receives every snapshot after a poll cycle.
type SnapshotHandler interface {
	HandleSnapshot(snapshot Snapshot)
}

// SnapshotHandlerFunc is a function adapter for SnapshotHandler.
type SnapshotHandlerFunc func(Snapshot)

func (f SnapshotHandlerFunc) HandleSnapshot(s Snapshot) {
	f(s)
}

// Snapshot is the last known quota state of a user.
type Snapshot struct {
	UserID      string                       `json:"user_id"`
	Quota       *api.UserQuotaResponse       `json:"quota,omitempty"`
	Connections *api.UserConnectionsResponse `json:"connections,omitempty"`
	FetchedAt   time.Time                    `json:"fetched_at"`
	Polls       int64                        `json:"polls"`
	Errors      int64                        `json:"errors"`
	LastError   string                       `json:"last_error,omitempty"`
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Poll interval (default: 1m)
	Timeout  time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Timeout:  10 * time.Second,
	}
}

// Poller periodically fetches quota and connection info via the REST API.
type Poller struct {
	cfg     Config
	client  Fetcher
	userID  string
	handler SnapshotHandler
	logger  *slog.Logger

	mu     sync.RWMutex
	latest Snapshot
	have   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller. handler may be nil.
func New(cfg Config, client Fetcher, userID string, handler SnapshotHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:     cfg,
		client:  client,
		userID:  userID,
		handler: handler,
		logger:  logger,
		latest:  Snapshot{UserID: userID},
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	if p.userID == "" {
		return errors.New("poller: user id is required")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("quota poller started",
		"interval", p.cfg.Interval,
		"user_id", p.userID,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("quota poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latest returns the most recent snapshot and whether any poll has
// succeeded yet.
func (p *Poller) Latest() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.have
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.poll(p.ctx)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll(p.ctx)
		}
	}
}

// poll fetches quota and connections concurrently. A failed half keeps its
// previous value.
func (p *Poller) poll(ctx context.Context) {
	start := time.Now()

	var (
		quota *api.UserQuotaResponse
		conns *api.UserConnectionsResponse
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reqCtx, cancel := context.WithTimeout(gctx, p.cfg.Timeout)
		defer cancel()
		q, err := p.client.GetUserQuota(reqCtx, p.userID)
		quota = q
		return err
	})
	g.Go(func() error {
		reqCtx, cancel := context.WithTimeout(gctx, p.cfg.Timeout)
		defer cancel()
		c, err := p.client.GetUserConnections(reqCtx, p.userID)
		conns = c
		return err
	})
	err := g.Wait()

	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	p.latest.Polls++
	if quota != nil {
		p.latest.Quota = quota
	}
	if conns != nil {
		p.latest.Connections = conns
	}
	if err != nil {
		p.latest.Errors++
		p.latest.LastError = err.Error()
	} else {
		p.latest.LastError = ""
		p.latest.FetchedAt = time.Now()
		p.have = true
	}
	snap := p.latest
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("quota poll failed", "user_id", p.userID, "error", err)
	} else {
		p.logger.Debug("quota poll complete",
			"tier", quota.Tier,
			"connections", conns.TotalConnections,
			"duration", time.Since(start),
		)
	}

	if p.handler != nil {
		p.handler.HandleSnapshot(snap)
	}
}
