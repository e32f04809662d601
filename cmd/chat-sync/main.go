package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/engine"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("ws_url", cfg.WSUrl),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	eng := engine.New(engine.Config{
		WSUrl:              cfg.WSUrl,
		MaxRetries:         cfg.MaxRetries,
		BaseRetryDelay:     cfg.BaseRetryDelay,
		MaxRetryDelay:      cfg.MaxRetryDelay,
		ConnectionTimeout:  cfg.ConnectionTimeout,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		RetryTick:          cfg.RetryTick,
		MaxConcurrentSyncs: cfg.MaxConcurrentSyncs,
	}, st, logger)

	client := engine.NewClient(cfg.APIBaseURL, nil)
	sweeper := engine.NewSweeper(st, client, cfg.DeletionSweepInterval, logger)
	streamer := engine.NewStreamer(st, cfg.APIBaseURL, nil, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	// Pick up streams interrupted by the previous process before the
	// engine has a chance to mark their placeholders errored.
	g.Go(func() error {
		if err := streamer.ResumeAll(gctx); err != nil {
			logger.Warn("stream recovery incomplete", slog.String("error", err.Error()))
		}

		return nil
	})

	g.Go(func() error {
		return runBridge(gctx, eng, logger)
	})

	err = g.Wait()
	eng.Shutdown()

	return err
}

// runBridge services the host control protocol on stdin: one command per
// line (STATUS, RECONNECT, SHUTDOWN), replies as JSON on stdout. Exits
// quietly when stdin closes so piped and daemonized runs still work.
func runBridge(ctx context.Context, eng *engine.Engine, logger *slog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch strings.ToUpper(strings.TrimSpace(scanner.Text())) {
		case "":
			continue
		case string(engine.CmdStatus):
			status, err := eng.Status(ctx)
			if err != nil {
				logger.Warn("status query failed", slog.String("error", err.Error()))
				continue
			}
			if err := out.Encode(status); err != nil {
				return fmt.Errorf("writing status: %w", err)
			}
		case string(engine.CmdReconnect):
			if err := eng.ForceReconnect(ctx); err != nil {
				logger.Warn("reconnect command failed", slog.String("error", err.Error()))
			}
		case string(engine.CmdShutdown):
			eng.Shutdown()
			return nil
		default:
			logger.Warn("unknown command", slog.String("line", scanner.Text()))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading commands: %w", err)
	}

	return nil
}
