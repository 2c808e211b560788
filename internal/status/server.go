package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/marketstream/internal/poller"
	"github.com/rickgao/marketstream/internal/realtime"
	"github.com/rickgao/marketstream/internal/version"
)

// Source is what the server reports on. *realtime.Conn satisfies it.
type Source interface {
	State() realtime.ConnectionState
	PingMs() int64
	Subscriptions() []realtime.SubscriptionKey
	Stats() realtime.Stats
}

var _ Source = (*realtime.Conn)(nil)

// QuotaSource supplies the /quota view.
type QuotaSource interface {
	Latest() (poller.Snapshot, bool)
}

var _ QuotaSource = (*poller.Poller)(nil)

// Option configures a Server.
type Option func(*Server)

// WithQuota serves q under /quota.
func WithQuota(q QuotaSource) Option {
	return func(s *Server) {
		s.quota = q
	}
}

// Health is the /health response body.
type Health struct {
	Status              string    `json:"status"`
	State               string    `json:"state"`
	PingMs              int64     `json:"ping_ms"`
	LastPongAt          time.Time `json:"last_pong_at,omitzero"`
	Subscriptions       int       `json:"subscriptions"`
	FramesReceived      int64     `json:"frames_received"`
	FramesSent          int64     `json:"frames_sent"`
	ReconnectsScheduled int64     `json:"reconnects_scheduled"`
	Version             string    `json:"version"`
}

// Server exposes Source over HTTP.
type Server struct {
	src    Source
	quota  QuotaSource
	logger *slog.Logger
	engine *gin.Engine

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer builds the gin engine. debug enables gin's debug mode.
func NewServer(src Source, logger *slog.Logger, debug bool, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		src:    src,
		logger: logger,
		engine: gin.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.getHealth)
	s.engine.GET("/subscriptions", s.getSubscriptions)
	if s.quota != nil {
		s.engine.GET("/quota", s.getQuota)
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on port (0 picks a free one) and serves in the background.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("status server already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := s.srv
	go func() {
		s.logger.Info("starting status server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the listen address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) getHealth(c *gin.Context) {
	stats := s.src.Stats()

	h := Health{
		Status:              "healthy",
		State:               stats.State.String(),
		PingMs:              s.src.PingMs(),
		LastPongAt:          stats.LastPongAt,
		Subscriptions:       stats.Subscriptions,
		FramesReceived:      stats.FramesReceived,
		FramesSent:          stats.FramesSent,
		ReconnectsScheduled: stats.ReconnectsScheduled,
		Version:             version.Version,
	}

	code := http.StatusOK
	if stats.State != realtime.StateConnected {
		h.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, h)
}

func (s *Server) getSubscriptions(c *gin.Context) {
	keys := s.src.Subscriptions()

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}

	c.JSON(http.StatusOK, gin.H{
		"count":         len(out),
		"subscriptions": out,
	})
}

func (s *Server) getQuota(c *gin.Context) {
	snap, ok := s.quota.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "quota not fetched yet",
			"last_error": snap.LastError,
		})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("status request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
