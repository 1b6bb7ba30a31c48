package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/events"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/handlers"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/logging"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/policy"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/queue"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/runner"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
	"github.com/benfinklea/nofx-local-starter-sub006/internal/watchdog"
	"github.com/benfinklea/nofx-local-starter-sub006/pkg/mcp"
)

func main() {
	os.Exit(run0())
}

func run0() int {
	cfg := loadConfig()

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	// Logs go to stderr: stdout carries the MCP protocol.
	handler := logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	logger.Info("nofx starting", "version", version, "backend", cfg.Backend)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	recorder := events.NewRecorder(st, logger)
	q := queue.NewMemoryQueue()

	rules, err := policy.NewRules(cfg.PolicyRules)
	if err != nil {
		return fmt.Errorf("policy rules: %w", err)
	}
	gatekeeper := policy.NewGatekeeper(st, recorder, rules, cfg.approvalMode(), logger)

	registry := handlers.NewRegistry(buildHandlers(cfg, st)...)
	logger.Info("handlers registered", "count", registry.Count())

	r := runner.New(runner.Config{
		Store:      st,
		Recorder:   recorder,
		Queue:      q,
		Registry:   registry,
		Gatekeeper: gatekeeper,
		Logger:     logger,
	})

	worker := runner.NewWorker(q, r, cfg.PoolSize, logger)
	worker.Start(ctx)

	monitor, err := watchdog.NewMonitor(st, r, cfg.SweepSchedule,
		time.Duration(cfg.StepTimeoutMs)*time.Millisecond, logger)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("watchdog start: %w", err)
	}

	// Outbox entries feed the in-process events topic; external brokers can
	// replace the sink without touching the recorder.
	dispatcher := events.NewDispatcher(st, queueSink(q), logger, time.Second, 100)
	dispatcher.Start(ctx)

	srv := mcp.NewNofxServer(mcp.NofxServerDeps{
		Controller: r,
		Store:      st,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Shutdown order: stop feeding the pool, drain in-flight steps, then stop
	// the background loops.
	logger.Info("nofx shutting down")
	q.Close()
	worker.Stop()
	_ = monitor.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	dispatcher.Stop(stopCtx)
	stopCancel()

	return nil
}

func openStore(cfg Config) (store.Store, error) {
	switch cfg.Backend {
	case "file":
		return store.NewFileStore(cfg.DataDir)
	default:
		return store.NewLibSQLStore(cfg.DBPath)
	}
}

// buildHandlers assembles the builtin handler chain. Order matters: the
// registry resolves first-match-wins.
func buildHandlers(cfg Config, st store.Store) []handlers.Handler {
	shellCfg := handlers.ShellConfig{}
	hs := []handlers.Handler{
		&handlers.EchoHandler{},
		handlers.NewBashHandler(shellCfg),
		handlers.NewCodegenHandler(cfg.CodegenRoot),
		handlers.NewGateHandler(shellCfg, cfg.GateChecks),
	}
	if ls, ok := st.(*store.LibSQLStore); ok {
		hs = append(hs, handlers.NewDBWriteHandler(handlers.NewSQLWriter(ls.DB())))
	}
	return hs
}

// queueSink republishes outbox envelopes on the in-memory events topic.
func queueSink(q queue.Queue) events.Sink {
	return events.SinkFunc(func(ctx context.Context, topic string, envelope events.Envelope) error {
		msg := queue.Message{RunID: envelope.RunID}
		if envelope.StepID != nil {
			msg.StepID = *envelope.StepID
		}
		return q.Enqueue(ctx, queue.TopicEvents, msg)
	})
}
