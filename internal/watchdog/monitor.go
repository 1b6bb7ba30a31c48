package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/store"
)

// StepTimeouter is the slice of the runner the monitor needs. Satisfied by
// runner.Runner (avoids an import cycle).
type StepTimeouter interface {
	MarkStepTimedOut(ctx context.Context, runID, stepID string, timeoutMs int64) error
}

// Monitor sweeps running steps on a cron schedule and times out those past
// their deadline. A crashed worker leaves its step in running forever; the
// monitor is what turns that into a visible failure.
type Monitor struct {
	store          store.Store
	runner         StepTimeouter
	schedule       cron.Schedule
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a Monitor. spec is a standard 5-field cron expression
// for the sweep cadence (e.g. "* * * * *" for every minute); defaultTimeout
// applies to steps without an explicit timeout_ms.
func NewMonitor(s store.Store, runner StepTimeouter, spec string, defaultTimeout time.Duration, logger *slog.Logger) (*Monitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:          s,
		runner:         runner,
		schedule:       schedule,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}, nil
}

// Start launches the background sweep loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return fmt.Errorf("timeout monitor already started")
	}
	monCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(monCtx)
	m.logger.Info("timeout monitor started")
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	for {
		next := m.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep scans running steps once and times out those past their deadline.
// Exported so callers can force an immediate pass (startup recovery, tests).
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	steps, err := m.store.ListRunningStepsStartedBefore(ctx, now)
	if err != nil {
		m.logger.Error("timeout sweep failed to list running steps",
			slog.String("error", err.Error()))
		return
	}

	for _, step := range steps {
		if step.StartedAt == nil {
			continue
		}
		timeout := m.defaultTimeout
		if step.TimeoutMs > 0 {
			timeout = time.Duration(step.TimeoutMs) * time.Millisecond
		}
		if timeout <= 0 || now.Sub(*step.StartedAt) <= timeout {
			continue
		}
		timeoutMs := timeout.Milliseconds()
		if err := m.runner.MarkStepTimedOut(ctx, step.RunID, step.ID, timeoutMs); err != nil {
			m.logger.Error("failed to time out step",
				slog.String("step_id", step.ID),
				slog.String("error", err.Error()))
			continue
		}
		m.logger.Warn("step timed out",
			slog.String("run_id", step.RunID),
			slog.String("step_id", step.ID),
			slog.Int64("timeout_ms", timeoutMs))
	}
}

// Stop gracefully shuts down the monitor.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil

	m.logger.Info("timeout monitor stopped")
	return nil
}
