package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/rickgao/marketstream/internal/api"
	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/database"
	"github.com/rickgao/marketstream/internal/journal"
	"github.com/rickgao/marketstream/internal/poller"
	"github.com/rickgao/marketstream/internal/realtime"
	"github.com/rickgao/marketstream/internal/status"
)

// storeOpenTimeout bounds opening the journal database.
const storeOpenTimeout = 10 * time.Second

// appOptions wires the components enabled by cfg. extra is appended last.
func appOptions(cfg *config.Config, logger *slog.Logger, creds auth.Credentials, verbose bool, extra ...fx.Option) []fx.Option {
	opts := []fx.Option{
		fx.Supply(cfg, logger, creds),
		fx.Provide(newProvider, newAPIClient),
	}

	if verbose {
		opts = append(opts, fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: l.With("component", "fx")}
		}))
	} else {
		opts = append(opts, fx.NopLogger)
	}

	if cfg.Journal.Enabled {
		opts = append(opts,
			fx.Provide(newJournalStore, newRecorder),
			fx.Invoke(func(*journal.Recorder) {}),
		)
	}

	if creds.UserID != "" && cfg.API.QuotaPollInterval > 0 {
		opts = append(opts,
			fx.Provide(newQuotaPoller),
			fx.Invoke(func(*poller.Poller) {}),
		)
	}

	if cfg.Status.Enabled {
		opts = append(opts,
			fx.Provide(newStatusServer),
			fx.Invoke(func(*status.Server) {}),
		)
	}

	return append(opts, extra...)
}

func newProvider(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) *realtime.Provider {
	p := realtime.NewProvider(cfg.Realtime.ConnConfig(), realtime.WithLogger(logger.With("component", "realtime")))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			p.Reset()
			return nil
		},
	})
	return p
}

func newAPIClient(cfg *config.Config, creds auth.Credentials, logger *slog.Logger) *api.Client {
	return api.NewClient(
		cfg.API.RestURL,
		creds.Token,
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)
}

// newJournalStore opens the configured journal database.
func newJournalStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (journal.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpenTimeout)
	defer cancel()

	var store journal.Store
	switch cfg.Journal.Driver {
	case "postgres":
		logger.Info("connecting to journal database",
			"host", cfg.Journal.Postgres.Host,
			"port", cfg.Journal.Postgres.Port,
			"database", cfg.Journal.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Journal.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect journal database: %w", err)
		}
		pg, err := journal.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		store = pg
	default:
		logger.Info("opening journal database", "path", cfg.Journal.SQLitePath)
		db, err := database.OpenSQLite(ctx, cfg.Journal.SQLitePath)
		if err != nil {
			return nil, err
		}
		lite, err := journal.NewSQLiteStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		store = lite
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newRecorder(lc fx.Lifecycle, cfg *config.Config, store journal.Store, p *realtime.Provider, logger *slog.Logger) *journal.Recorder {
	r := journal.NewRecorder(journal.Config{
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
		BufferSize:    cfg.Journal.BufferSize,
	}, store, logger.With("component", "journal"))

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.Attach(p.Get())
			// The start context expires once startup completes.
			return r.Start(context.Background())
		},
		OnStop: r.Stop,
	})
	return r
}

func newQuotaPoller(lc fx.Lifecycle, cfg *config.Config, client *api.Client, creds auth.Credentials, logger *slog.Logger) *poller.Poller {
	p := poller.New(poller.Config{
		Interval: cfg.API.QuotaPollInterval,
		Timeout:  cfg.API.Timeout,
	}, client, creds.UserID, nil, logger.With("component", "poller"))

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return p.Start(context.Background())
		},
		OnStop: p.Stop,
	})
	return p
}

type statusParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Provider  *realtime.Provider
	Logger    *slog.Logger
	Quota     *poller.Poller `optional:"true"`
}

func newStatusServer(p statusParams) *status.Server {
	var opts []status.Option
	if p.Quota != nil {
		opts = append(opts, status.WithQuota(p.Quota))
	}

	cfg := p.Config
	s := status.NewServer(p.Provider.Get(), p.Logger.With("component", "status"), cfg.Log.Level == "debug", opts...)
	lc := p.Lifecycle
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return s.Start(cfg.Status.Port)
		},
		OnStop: s.Stop,
	})
	return s
}

// newLogger builds the slog handler selected by the log config. verbose
// forces debug level.
func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
