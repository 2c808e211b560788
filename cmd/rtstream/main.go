// rtstream connects to the realtime gateway and prints market data frames.
// Usage: rtstream --config configs/rtstream.yaml --symbols AAPL,MSFT --types price
//
// Environment variables (also read from --env-file):
//
//	RT_TOKEN      - Bearer token appended to the socket URL and sent to the REST API
//	RT_TOKEN_FILE - File holding the token, instead of RT_TOKEN
//	RT_USER_ID    - User ID for the quota lookup and poller (optional)
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/fx"

	"github.com/rickgao/marketstream/internal/api"
	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/realtime"
	"github.com/rickgao/marketstream/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:    "rtstream",
		Usage:   "Stream realtime market data from the gateway",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file (defaults are used when empty)",
				Sources: cli.EnvVars("RT_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Dotenv file to load before reading the environment",
				Value: ".env",
			},
			&cli.StringSliceFlag{
				Name:     "symbols",
				Aliases:  []string{"s"},
				Usage:    "Symbols to subscribe to (comma separated or repeated)",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:    "types",
				Aliases: []string{"t"},
				Usage:   "Data types to subscribe to for every symbol",
				Value:   []string{api.DefaultChannel},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Debug logging and raw frame output",
			},
			&cli.BoolFlag{
				Name:  "precheck",
				Usage: "Ask the REST API whether each symbol is within quota before subscribing",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rtstream:", err)
		os.Exit(1)
	}
}

// run is the core logic executed by the CLI command.
func run(ctx context.Context, cmd *cli.Command) error {
	if err := loadEnvFile(cmd.String("env-file")); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	verbose := cmd.Bool("verbose")
	logger := newLogger(cfg.Log, verbose, os.Stderr)
	slog.SetDefault(logger)

	logger.Info("starting rtstream",
		"version", version.Version,
		"commit", version.Commit,
		"config", cmd.String("config"),
	)

	creds, err := auth.FromEnv(os.Getenv)
	if err != nil {
		return err
	}
	logger.Debug("credentials loaded",
		"anonymous", creds.Anonymous(),
		"token", creds.Redacted(),
		"user_id", creds.UserID,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		provider *realtime.Provider
		client   *api.Client
	)
	app := fx.New(appOptions(cfg, logger, *creds, verbose, fx.Populate(&provider, &client))...)
	if err := app.Err(); err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	startCtx, startCancel := context.WithTimeout(ctx, app.StartTimeout())
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := app.Stop(stopCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	s := newSession(provider.Get(), client, *creds, logger, os.Stdout)
	err = s.run(ctx, sessionOptions{
		Symbols:  cmd.StringSlice("symbols"),
		Types:    cmd.StringSlice("types"),
		Precheck: cmd.Bool("precheck"),
		Raw:      verbose,
	})

	logger.Info("rtstream stopped")
	return err
}

// loadEnvFile loads a dotenv file. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// loadConfig reads path, or validates the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.LoadAndValidate(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
