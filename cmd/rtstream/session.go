package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketstream/internal/api"
	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/buffer"
	"github.com/rickgao/marketstream/internal/realtime"
)

// sessionConn is the part of *realtime.Conn a session drives.
type sessionConn interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
	Subscribe(ctx context.Context, req realtime.SubscriptionRequest) error
	OnConnection(fn func(realtime.ConnectionEvent)) realtime.Listener
	OnData(fn func(realtime.Message)) realtime.Listener
	OnSubscription(fn func(realtime.Message)) realtime.Listener
	OnError(fn func(realtime.Message)) realtime.Listener
	Off(l realtime.Listener) bool
	Stats() realtime.Stats
}

var _ sessionConn = (*realtime.Conn)(nil)

// quotaChecker is the part of *api.Client a session uses.
type quotaChecker interface {
	GetUserQuota(ctx context.Context, userID string) (*api.UserQuotaResponse, error)
	PreCheckSubscription(ctx context.Context, symbol, channel string) (*api.PreCheckResponse, error)
}

var _ quotaChecker = (*api.Client)(nil)

type sessionOptions struct {
	Symbols  []string
	Types    []string
	Precheck bool
	Raw      bool // Print the data payload verbatim
}

// session runs one connect, subscribe, print cycle until ctx is done or the
// connection gives up reconnecting.
type session struct {
	conn   sessionConn
	client quotaChecker
	creds  auth.Credentials
	logger *slog.Logger
	out    io.Writer

	queue *buffer.Queue[realtime.Message]
	fatal chan error
}

func newSession(conn sessionConn, client quotaChecker, creds auth.Credentials, logger *slog.Logger, out io.Writer) *session {
	if logger == nil {
		logger = slog.Default()
	}
	return &session{
		conn:   conn,
		client: client,
		creds:  creds,
		logger: logger,
		out:    out,
		queue:  buffer.New[realtime.Message](256),
		fatal:  make(chan error, 1),
	}
}

func (s *session) run(ctx context.Context, opts sessionOptions) error {
	listeners := []realtime.Listener{
		s.conn.OnData(func(msg realtime.Message) { s.queue.Push(msg) }),
		s.conn.OnConnection(s.onConnection),
		s.conn.OnSubscription(s.onSubscription),
		s.conn.OnError(s.onError),
	}
	defer func() {
		for _, l := range listeners {
			s.conn.Off(l)
		}
	}()

	if err := s.conn.Connect(ctx, s.creds.Token); err != nil {
		s.queue.Close()
		return fmt.Errorf("connect: %w", err)
	}

	if s.creds.UserID != "" {
		s.logQuota(ctx)
	}

	symbols := opts.Symbols
	if opts.Precheck {
		symbols = s.precheck(ctx, symbols, opts.Types)
	}
	if len(symbols) == 0 {
		s.conn.Disconnect()
		s.queue.Close()
		return errors.New("no symbols to subscribe to")
	}

	err := s.conn.Subscribe(ctx, realtime.SubscriptionRequest{Symbols: symbols, DataTypes: opts.Types})
	if err != nil {
		s.conn.Disconnect()
		s.queue.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("streaming",
		"symbols", symbols,
		"types", opts.Types,
	)

	p := newPrinter(s.out, opts.Raw)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.run(gctx, s.queue)
	})
	g.Go(func() error {
		defer s.queue.Close()
		defer s.conn.Disconnect()

		select {
		case <-gctx.Done():
			return nil
		case err := <-s.fatal:
			return err
		}
	})

	err = g.Wait()

	stats := s.conn.Stats()
	s.logger.Info("session ended",
		"frames_received", p.fmt.Sprint(stats.FramesReceived),
		"frames_sent", p.fmt.Sprint(stats.FramesSent),
		"printed", p.fmt.Sprint(p.printed),
		"reconnects", stats.ReconnectsScheduled,
	)
	return err
}

func (s *session) onConnection(ev realtime.ConnectionEvent) {
	if ev.Err != nil {
		s.logger.Warn("connection state", "state", ev.State, "error", ev.Err)
	} else {
		s.logger.Info("connection state", "state", ev.State)
	}

	if ev.State == realtime.StateError && errors.Is(ev.Err, realtime.ErrReconnectExhausted) {
		select {
		case s.fatal <- ev.Err:
		default:
		}
	}
}

func (s *session) onSubscription(msg realtime.Message) {
	s.logger.Info("subscribed", "subscriptions", msg.Subscriptions)
}

func (s *session) onError(msg realtime.Message) {
	s.logger.Warn("gateway error",
		"error", msg.ErrorText(),
		"symbol", msg.Symbol,
	)
}

func (s *session) logQuota(ctx context.Context) {
	quota, err := s.client.GetUserQuota(ctx, s.creds.UserID)
	if err != nil {
		s.logger.Warn("quota lookup failed", "error", err)
		return
	}
	s.logger.Info("quota",
		"tier", quota.Tier,
		"connections", quota.Connections.Current,
		"max_connections", quota.Connections.Max,
	)
}

// precheck drops symbols the gateway says are over quota. A failed check
// keeps the symbol and leaves the decision to the gateway.
func (s *session) precheck(ctx context.Context, symbols, types []string) []string {
	channel := api.DefaultChannel
	if len(types) > 0 {
		channel = types[0]
	}

	allowed := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		resp, err := s.client.PreCheckSubscription(ctx, sym, channel)
		if err != nil {
			s.logger.Warn("pre-check failed", "symbol", sym, "error", err)
			allowed = append(allowed, sym)
			continue
		}
		if !resp.Allowed {
			s.logger.Warn("subscription not allowed",
				"symbol", sym,
				"current_subscriptions", resp.CurrentSubscriptions,
				"message", resp.Message,
			)
			continue
		}
		allowed = append(allowed, sym)
	}
	return allowed
}
