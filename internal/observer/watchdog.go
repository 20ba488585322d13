package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agent"
)

// Supervisor is the part of the agent service the watchdog drives
type Supervisor interface {
	Registry() *agent.Registry
	TimeoutAgent(ctx context.Context, id string) error
	MarkInterrupted(ctx context.Context, id string) error
}

// SweepResult lists what a sweep acted on
type SweepResult struct {
	TimedOut    []string
	Interrupted []string
}

// Watchdog periodically enforces the run timeout on owned agents and notices
// reattached agents whose process went away. Owned agents report their own
// exit; reattached ones can only be polled.
type Watchdog struct {
	sup      Supervisor
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewWatchdog creates a watchdog. A zero timeout disables the timeout check.
func NewWatchdog(sup Supervisor, timeout, interval time.Duration, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		sup:      sup,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With("component", "watchdog"),
		now:      time.Now,
	}
}

// IsStuck reports whether h has been running longer than the timeout
func (w *Watchdog) IsStuck(h agent.Handle) bool {
	if w.timeout <= 0 || h.State() != agent.StateRunning {
		return false
	}
	return w.now().Sub(h.StartedAt()) > w.timeout
}

// Start schedules sweeps every interval until Stop is called
func (w *Watchdog) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", w.interval)
	if _, err := c.AddFunc(spec, func() { w.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("scheduling watchdog %q: %w", spec, err)
	}
	c.Start()
	w.cron = c
	w.logger.Info("watchdog started", "interval", w.interval, "timeout", w.timeout)
	return nil
}

// Stop cancels future sweeps and waits for a running one to finish
func (w *Watchdog) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Sweep checks every registered agent once
func (w *Watchdog) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	for _, h := range w.sup.Registry().GetAll() {
		if h.State() != agent.StateRunning {
			continue
		}
		if h.IsReattached() {
			if h.IsAlive() {
				continue
			}
			if err := w.sup.MarkInterrupted(ctx, h.AgentID()); err != nil {
				w.logger.Warn("marking agent interrupted", "agent_id", h.AgentID(), "error", err)
				continue
			}
			w.logger.Info("reattached agent exited", "agent_id", h.AgentID(), "pid", h.PID())
			res.Interrupted = append(res.Interrupted, h.AgentID())
			continue
		}
		if !w.IsStuck(h) {
			continue
		}
		w.logger.Warn("agent exceeded timeout", "agent_id", h.AgentID(), "spec_id", h.SpecID(), "started_at", h.StartedAt())
		if err := w.sup.TimeoutAgent(ctx, h.AgentID()); err != nil {
			w.logger.Error("timing out agent", "agent_id", h.AgentID(), "error", err)
			continue
		}
		res.TimedOut = append(res.TimedOut, h.AgentID())
	}
	return res
}
