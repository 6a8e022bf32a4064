// Command flowstate runs the workflow engine as an MCP server over stdio,
// backed by a local libSQL database. Scheduled triggers fire in the
// background while the transport is up.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowstate/flowstate/internal/engine"
	"github.com/flowstate/flowstate/internal/scheduler"
	"github.com/flowstate/flowstate/internal/store"
	"github.com/flowstate/flowstate/internal/streaming"
	"github.com/flowstate/flowstate/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "flowstate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if cfg.MCPTransport != "stdio" {
		return fmt.Errorf("unsupported mcp transport %q (only stdio is available)", cfg.MCPTransport)
	}
	if ov := configOverrides(cfg); len(ov) > 0 {
		logger.Info("config overrides active", slog.Any("fields", ov))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn, err := cfg.dsn()
	if err != nil {
		return fmt.Errorf("prepare database path: %w", err)
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	hub := streaming.NewMemoryHub()
	svc, err := engine.NewService(st, store.NewEventLog(st), hub, engine.Collaborators{}, engine.ServiceConfig{
		MaxIterations: cfg.MaxIterations,
	}, logger)
	if err != nil {
		return err
	}

	pool := engine.NewWorkerPool(cfg.PoolSize)
	defer pool.Shutdown()

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, svc, pool, logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	logger.Info("flowstate engine ready",
		slog.String("db", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Bool("scheduler", cfg.Scheduler),
	)

	srv := mcp.NewFlowServer(mcp.FlowServerDeps{Service: svc, Store: st, Logger: logger})
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newLogger builds the process logger. Stdout carries the MCP transport,
// so logs always go to stderr.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
