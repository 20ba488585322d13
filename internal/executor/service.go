// Package executor spawns and supervises agent processes. It ties the
// lifecycle state machine, the registry, the log pipeline and the retry
// controller together.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agent"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentlog"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentstore"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/config"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/loganalyzer"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/logparser"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/logstream"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/metrics"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/notify"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/retry"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/tasklock"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrInvalidState   = errors.New("agent is not in a state that allows this operation")
	ErrAlreadyRunning = errors.New("phase already has a live agent")
	ErrUnknownEngine  = errors.New("engine is not configured")
)

const (
	lockRetryDelay = 50 * time.Millisecond
	// exitLockTimeout bounds how long exit bookkeeping waits for a spec lock
	exitLockTimeout = 30 * time.Second
	reattachedPoll  = 200 * time.Millisecond
)

// Exit reasons recorded on agents
const (
	ReasonTimeout     = "timeout"
	ReasonStopped     = "stopped by user"
	ReasonStalled     = "stalled"
	ReasonVanished    = "process gone after restart"
	ReasonSpawnFailed = "spawn failed"
)

// Store is the metadata persistence the service needs
type Store interface {
	SaveAgent(rec domain.AgentRecord) error
	GetAgent(id string) (*domain.AgentRecord, error)
	ListAgents(opts agentstore.ListOptions) ([]*domain.AgentRecord, error)
	ListActive() ([]*domain.AgentRecord, error)
	UpdateSessionID(id, sessionID string) error
}

// StartRequest asks for one phase of work on a spec
type StartRequest struct {
	SpecID string
	Phase  string
	// Engine defaults to the configured default engine
	Engine domain.EngineID
	Prompt string
	// Args are phase-specific engine arguments, appended after the engine's
	// base arguments
	Args []string
	// Dir defaults to the configured project root
	Dir string
}

// Options wires the service's collaborators. Config, Registry, Store, Stream,
// Analyzer, Locks and Spawner are required.
type Options struct {
	Config   *config.Config
	Registry *agent.Registry
	Store    Store
	Stream   *logstream.Service
	Analyzer *loganalyzer.Analyzer
	Locks    *tasklock.Manager
	Spawner  Spawner
	Probe    agent.ProcessProbe
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// run is per-agent bookkeeping that does not belong on the handle
type run struct {
	writer     *agentlog.Writer
	dir        string
	retryCount int
}

// Service supervises agents
type Service struct {
	cfg      *config.Config
	registry *agent.Registry
	store    Store
	stream   *logstream.Service
	analyzer *loganalyzer.Analyzer
	locks    *tasklock.Manager
	spawner  Spawner
	probe    agent.ProcessProbe
	metrics  *metrics.Metrics
	notifier notify.Notifier
	logger   *slog.Logger
	retry    *retry.Controller
	now      func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

// NewService creates the agent service
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	probe := opts.Probe
	if probe == nil {
		probe = agent.SystemProbe{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	opts.Registry.SetProbe(probe)

	s := &Service{
		cfg:      opts.Config,
		registry: opts.Registry,
		store:    opts.Store,
		stream:   opts.Stream,
		analyzer: opts.Analyzer,
		locks:    opts.Locks,
		spawner:  opts.Spawner,
		probe:    probe,
		metrics:  opts.Metrics,
		notifier: notifier,
		logger:   logger.With("component", "executor"),
		now:      time.Now,
		runs:     make(map[string]*run),
	}
	s.retry = retry.NewController(opts.Registry, s, logger)
	return s
}

// Registry returns the handle registry
func (s *Service) Registry() *agent.Registry { return s.registry }

// SpecBusy reports whether an operation currently holds the spec's lock
func (s *Service) SpecBusy(specID string) bool {
	return s.locks.IsOperationRunning(specID)
}

// machine binds a state machine to h. The handle is the only copy of the
// state; machines are created per use.
func (s *Service) machine(h agent.Handle) *agent.StateMachine {
	return agent.NewStateMachine(h, s.logger).WithHook(func(agentID string, from, to agent.State) {
		s.metrics.ObserveTransition(string(from), string(to))
		if to != agent.StateTerminal {
			s.persist(h)
		}
		s.metrics.SetActive(s.activeCount())
	})
}

func (s *Service) activeCount() int {
	n := 0
	for _, h := range s.registry.GetAll() {
		if h.State() != agent.StateTerminal {
			n++
		}
	}
	return n
}

func (s *Service) persist(h agent.Handle) {
	rec := agent.Record(h)
	s.mu.Lock()
	if r, ok := s.runs[h.AgentID()]; ok {
		rec.RetryCount = r.retryCount
	}
	s.mu.Unlock()
	if rec.Status == string(agent.StateTerminal) {
		// terminal carries no information; keep the state that led there
		return
	}
	if err := s.store.SaveAgent(rec); err != nil {
		s.logger.Error("persisting agent", "agent_id", rec.AgentID, "error", err)
	}
}

func (s *Service) resolveEngine(id domain.EngineID) (domain.EngineID, config.EngineConfig, error) {
	if id == "" {
		id = domain.EngineID(s.cfg.Agents.DefaultEngine)
	}
	eng, ok := s.cfg.Engine(id)
	if !ok {
		return "", config.EngineConfig{}, fmt.Errorf("%w: %s", ErrUnknownEngine, id)
	}
	if !logparser.IsKnownEngine(id) {
		return "", config.EngineConfig{}, fmt.Errorf("%w: no log parser for %s", ErrUnknownEngine, id)
	}
	return id, eng, nil
}

// StartAgent spawns an engine for one phase of a spec. It fails with
// tasklock.ErrOperationRunning if another operation on the spec is in flight
// and with ErrAlreadyRunning if the phase already has a live agent.
func (s *Service) StartAgent(ctx context.Context, req StartRequest) (agent.Handle, error) {
	if err := domain.ValidateSpecID(req.SpecID); err != nil {
		return nil, err
	}
	engineID, eng, err := s.resolveEngine(req.Engine)
	if err != nil {
		return nil, err
	}
	if req.Dir == "" {
		req.Dir = s.cfg.General.ProjectRoot
	}

	var h agent.Handle
	err = s.locks.WithLock(ctx, req.SpecID, func(ctx context.Context) error {
		for _, existing := range s.registry.GetBySpec(req.SpecID) {
			if existing.Phase() == req.Phase && existing.State() != agent.StateTerminal && existing.IsAlive() {
				return fmt.Errorf("%w: %s/%s (%s)", ErrAlreadyRunning, req.SpecID, req.Phase, existing.AgentID())
			}
		}

		var sessionID string
		if eng.SessionFlag != "" {
			sessionID = uuid.NewString()
		}
		owned, err := s.launch(ctx, launchSpec{
			specID:    req.SpecID,
			phase:     req.Phase,
			engine:    engineID,
			sessionID: sessionID,
			dir:       req.Dir,
			cmd:       BuildStartCommand(eng, sessionID, req),
		})
		if err != nil {
			return err
		}
		h = owned
		s.writeState(req.SpecID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

type launchSpec struct {
	specID     string
	phase      string
	engine     domain.EngineID
	sessionID  string
	dir        string
	retryCount int
	cmd        Command
}

// launch spawns the process and wires its output and exit into the pipeline
func (s *Service) launch(ctx context.Context, ls launchSpec) (*agent.OwnedHandle, error) {
	agentID := uuid.NewString()
	logPath := agentlog.Path(s.cfg.General.LogDir, ls.specID, agentID)
	startedAt := s.now()

	writer, err := agentlog.Open(logPath)
	if err != nil {
		return nil, err
	}

	s.logger.Info("spawning agent",
		"agent_id", agentID,
		"spec_id", ls.specID,
		"phase", ls.phase,
		"engine", ls.engine,
		"command", ls.cmd.String(),
	)
	proc, err := s.spawner.Spawn(ctx, ls.cmd)
	if err != nil {
		writer.Close()
		rec := domain.AgentRecord{
			AgentID:    agentID,
			SpecID:     ls.specID,
			Phase:      ls.phase,
			EngineID:   ls.engine,
			SessionID:  ls.sessionID,
			Status:     string(agent.StateFailed),
			StartedAt:  startedAt,
			ExitReason: fmt.Sprintf("%s: %v", ReasonSpawnFailed, err),
			LogPath:    logPath,
			RetryCount: ls.retryCount,
		}
		if serr := s.store.SaveAgent(rec); serr != nil {
			s.logger.Error("persisting failed spawn", "agent_id", agentID, "error", serr)
		}
		s.metrics.ObserveTransition(string(agent.StateSpawning), string(agent.StateFailed))
		return nil, fmt.Errorf("spawning %s agent: %w", ls.engine, err)
	}

	procStart, err := s.probe.StartTime(proc.Pid())
	if err != nil {
		s.logger.Debug("process start time unavailable", "pid", proc.Pid(), "error", err)
	}

	h := agent.NewOwnedHandle(agent.Info{
		AgentID:          agentID,
		SpecID:           ls.specID,
		Phase:            ls.phase,
		EngineID:         ls.engine,
		SessionID:        ls.sessionID,
		StartedAt:        startedAt,
		ProcessStartTime: procStart,
		LogPath:          logPath,
	}, proc)

	s.mu.Lock()
	s.runs[agentID] = &run{writer: writer, dir: ls.dir, retryCount: ls.retryCount}
	s.mu.Unlock()

	h.OnOutput(func(stream domain.Stream, data string) {
		if err := writer.Append(stream, data); err != nil {
			s.logger.Warn("appending agent log", "agent_id", agentID, "error", err)
		}
		s.observe(h, s.stream.ProcessOutput(agentID, stream, data))
	})
	h.OnError(func(err error) {
		s.logger.Warn("agent process error", "agent_id", agentID, "error", err)
	})
	h.OnExit(func(code int) {
		s.handleExit(h, code)
	})

	s.registry.Register(h)
	s.stream.PrimeEngine(agentID, ls.engine)
	s.persist(h)
	s.machine(h).Transition(agent.StateRunning)
	h.Start()
	return h, nil
}

// observe picks up facts the engine reports in its output
func (s *Service) observe(h agent.Handle, entries []logparser.Entry) {
	counts := make(map[logparser.EntryType]int)
	for _, e := range entries {
		counts[e.Type]++
		if e.Type != logparser.EntrySystem || e.Session == nil || e.Session.SessionID == "" {
			continue
		}
		if e.Session.SessionID == h.SessionID() {
			continue
		}
		h.SetSessionID(e.Session.SessionID)
		if err := s.store.UpdateSessionID(h.AgentID(), e.Session.SessionID); err != nil {
			s.logger.Warn("recording session id", "agent_id", h.AgentID(), "error", err)
		}
		s.logger.Info("session reported", "agent_id", h.AgentID(), "session_id", e.Session.SessionID)
	}
	for typ, n := range counts {
		s.metrics.AddEntries(string(h.EngineID()), string(typ), n)
	}
}

// handleExit runs once the process output has been fully delivered
func (s *Service) handleExit(h *agent.OwnedHandle, code int) {
	agentID := h.AgentID()
	s.observe(h, s.stream.Flush(agentID))

	s.mu.Lock()
	r := s.runs[agentID]
	s.mu.Unlock()
	if r != nil {
		if err := r.writer.Close(); err != nil {
			s.logger.Warn("closing agent log", "agent_id", agentID, "error", err)
		}
	}

	sm := s.machine(h)
	target := agent.StateCompleted
	if code != 0 {
		target = agent.StateFailed
	}
	if !sm.Transition(target) {
		// a stop or timeout is in progress and owns the rest of the lifecycle
		s.logger.Info("agent exited during shutdown", "agent_id", agentID, "state", h.State(), "exit_code", code)
		return
	}
	if code != 0 {
		h.SetExitReason(fmt.Sprintf("exit code %d", code))
	}
	s.metrics.ObserveRun(string(h.EngineID()), string(target), s.now().Sub(h.StartedAt()))

	ctx, cancel := context.WithTimeout(context.Background(), exitLockTimeout)
	defer cancel()

	subtype, err := s.analyzer.AnalyzeResult(h.LogPath())
	if err != nil {
		s.logger.Warn("analyzing agent log", "agent_id", agentID, "error", err)
		subtype = loganalyzer.NoResult
	}
	s.metrics.ObserveResult(string(h.EngineID()), string(subtype))
	s.logger.Info("agent exited", "agent_id", agentID, "exit_code", code, "result", subtype)

	resumed := false
	if s.cfg.Agents.AutoRetry && subtype.Retryable() && h.SessionID() != "" {
		retryCount := 0
		if r != nil {
			retryCount = r.retryCount
		}
		out, err := s.Retry(ctx, h.SessionID(), retryCount)
		switch {
		case err != nil:
			s.logger.Error("automatic retry failed", "agent_id", agentID, "session_id", h.SessionID(), "error", err)
		case out.Status == retry.StatusStalled:
			h.SetExitReason(ReasonStalled)
			s.sendNotification(notify.AgentStalled(agentID, h.SpecID(), h.Phase(), out.RetryCount))
		default:
			resumed = true
		}
	}

	switch {
	case resumed:
	case target == agent.StateFailed && h.ExitReason() != ReasonStalled:
		s.sendNotification(notify.AgentFailed(agentID, h.SpecID(), h.Phase(), h.ExitReason()))
	case target == agent.StateCompleted && subtype == loganalyzer.Success:
		s.sendNotification(notify.AgentCompleted(agentID, h.SpecID(), h.Phase()))
	}

	s.finish(ctx, h)
}

// finish records the outcome and moves h to terminal
func (s *Service) finish(ctx context.Context, h agent.Handle) {
	sm := s.machine(h)
	if sm.IsTerminal() {
		return
	}
	s.persist(h)
	sm.Transition(agent.StateTerminal)
	s.writeStateCtx(ctx, h.SpecID())
}

func (s *Service) sendNotification(n notify.Notification) {
	if err := s.notifier.Send(n); err != nil {
		s.logger.Warn("sending notification", "title", n.Title, "error", err)
	}
}

// Retry resumes sessionID with "continue" under the owning spec's lock
func (s *Service) Retry(ctx context.Context, sessionID string, retryCount int) (retry.Outcome, error) {
	var out retry.Outcome
	var err error
	h, ok := s.registry.GetBySession(sessionID)
	if ok {
		if err := checkResumable(h); err != nil {
			return out, err
		}
	}
	if !ok || retryCount >= retry.MaxRetries {
		out, err = s.retry.RetryWithContinue(ctx, sessionID, retryCount)
	} else {
		err = s.withSpecLock(ctx, h.SpecID(), func(ctx context.Context) error {
			var rerr error
			out, rerr = s.retry.RetryWithContinue(ctx, sessionID, retryCount)
			return rerr
		})
	}
	if err == nil {
		s.metrics.ObserveRetry(string(out.Status))
	}
	return out, err
}

// checkResumable refuses to continue a session whose process may still be
// writing to it
func checkResumable(h agent.Handle) error {
	switch h.State() {
	case agent.StateCompleted, agent.StateFailed, agent.StateStopped, agent.StateInterrupted, agent.StateTerminal:
	default:
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, h.AgentID(), h.State())
	}
	if h.IsAlive() {
		return fmt.Errorf("%w: %s still has a live process", ErrInvalidState, h.AgentID())
	}
	return nil
}

// ResumeSession starts a new owned agent continuing original's session
func (s *Service) ResumeSession(ctx context.Context, original agent.Handle, prompt string, retryCount int) (agent.Handle, error) {
	if err := checkResumable(original); err != nil {
		return nil, err
	}
	engineID, eng, err := s.resolveEngine(original.EngineID())
	if err != nil {
		return nil, err
	}
	if eng.ResumeFlag == "" {
		return nil, fmt.Errorf("engine %s has no resume flag configured", engineID)
	}
	dir := s.cfg.General.ProjectRoot
	s.mu.Lock()
	if r, ok := s.runs[original.AgentID()]; ok {
		dir = r.dir
	}
	s.mu.Unlock()

	h, err := s.launch(ctx, launchSpec{
		specID:     original.SpecID(),
		phase:      original.Phase(),
		engine:     engineID,
		sessionID:  original.SessionID(),
		dir:        dir,
		retryCount: retryCount,
		cmd:        BuildResumeCommand(eng, original.SessionID(), prompt, dir),
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// StopAgent shuts an agent down: SIGTERM, then SIGKILL after the grace
// period. Reattached agents can only be killed.
func (s *Service) StopAgent(ctx context.Context, id string) error {
	h, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	sm := s.machine(h)
	if !sm.Transition(agent.StateStopping) {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, sm.CurrentState())
	}
	if h.ExitReason() == "" {
		h.SetExitReason(ReasonStopped)
	}
	return s.shutdown(ctx, h, sm)
}

// TimeoutAgent stops an agent that ran past its deadline
func (s *Service) TimeoutAgent(ctx context.Context, id string) error {
	h, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	sm := s.machine(h)
	if !sm.Transition(agent.StateTimedOut) {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, sm.CurrentState())
	}
	h.SetExitReason(ReasonTimeout)
	if !sm.Transition(agent.StateStopping) {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, sm.CurrentState())
	}
	err := s.shutdown(ctx, h, sm)
	s.sendNotification(notify.AgentFailed(id, h.SpecID(), h.Phase(), "timed out after "+s.cfg.Agents.Timeout.String()))
	return err
}

// shutdown takes a stopping agent to terminal. A process that exits within
// the grace period goes straight to stopped; otherwise it passes through
// killing.
func (s *Service) shutdown(ctx context.Context, h agent.Handle, sm *agent.StateMachine) error {
	grace := s.cfg.Agents.StopGracePeriod.Duration

	if h.IsReattached() {
		// without its stdio the process can only be killed
		sm.Transition(agent.StateKilling)
		if err := h.Kill(); err != nil {
			s.logger.Warn("killing reattached agent", "agent_id", h.AgentID(), "error", err)
		}
		s.waitGone(ctx, h, grace)
	} else {
		owned := h.(*agent.OwnedHandle)
		if err := h.Terminate(); err != nil {
			s.logger.Warn("terminating agent", "agent_id", h.AgentID(), "error", err)
		}
		select {
		case <-owned.Done():
		case <-time.After(grace):
			sm.Transition(agent.StateKilling)
			if err := h.Kill(); err != nil {
				s.logger.Warn("killing agent", "agent_id", h.AgentID(), "error", err)
			}
			select {
			case <-owned.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		s.metrics.ObserveRun(string(h.EngineID()), string(agent.StateStopped), s.now().Sub(h.StartedAt()))
	}

	sm.Transition(agent.StateStopped)
	s.finish(ctx, h)
	return nil
}

// waitGone polls a reattached process until it disappears or d elapses
func (s *Service) waitGone(ctx context.Context, h agent.Handle, d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(reattachedPoll)
	defer tick.Stop()
	for h.IsAlive() {
		select {
		case <-tick.C:
		case <-deadline.C:
			s.logger.Warn("reattached agent still alive after kill", "agent_id", h.AgentID(), "pid", h.PID())
			return
		case <-ctx.Done():
			return
		}
	}
}

// MarkInterrupted ends a reattached agent whose process disappeared
func (s *Service) MarkInterrupted(ctx context.Context, id string) error {
	h, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	sm := s.machine(h)
	h.SetExitReason(ReasonVanished)
	if !sm.Transition(agent.StateInterrupted) {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, sm.CurrentState())
	}
	s.finish(ctx, h)
	return nil
}

// RecoverAgents rebuilds handles for agents left running by a previous
// instance. Live processes are reattached; the rest are marked interrupted.
// It returns the reattached handles.
func (s *Service) RecoverAgents(ctx context.Context) ([]agent.Handle, error) {
	recs, err := s.store.ListActive()
	if err != nil {
		return nil, fmt.Errorf("listing active agents: %w", err)
	}

	var reattached []agent.Handle
	touched := make(map[string]bool)
	for _, rec := range recs {
		if _, ok := s.registry.Get(rec.AgentID); ok {
			// spawned by this instance
			continue
		}
		h := s.registry.RegisterReattached(*rec)
		s.mu.Lock()
		s.runs[rec.AgentID] = &run{retryCount: rec.RetryCount}
		s.mu.Unlock()

		if h.IsAlive() {
			s.stream.PrimeEngine(h.AgentID(), h.EngineID())
			reattached = append(reattached, h)
			s.logger.Info("reattached agent", "agent_id", rec.AgentID, "pid", rec.PID, "spec_id", rec.SpecID)
			continue
		}

		s.logger.Info("agent did not survive restart", "agent_id", rec.AgentID, "pid", rec.PID)
		h.SetExitReason(ReasonVanished)
		sm := s.machine(h)
		sm.Advance(agent.StateInterrupted, agent.StateTerminal)
		s.registry.Unregister(rec.AgentID)
		s.mu.Lock()
		delete(s.runs, rec.AgentID)
		s.mu.Unlock()
		touched[rec.SpecID] = true
	}
	for specID := range touched {
		s.writeStateCtx(ctx, specID)
	}
	s.metrics.SetReattached(len(reattached))
	s.metrics.SetActive(s.activeCount())
	return reattached, nil
}

// Remove unregisters a terminal agent and drops its cached state
func (s *Service) Remove(id string) error {
	h, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if h.State() != agent.StateTerminal {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, h.State())
	}
	s.registry.Unregister(id)
	s.stream.ClearCache(id)
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
	return nil
}

// Wait blocks until h and every agent resumed from its session are terminal.
// It returns the last agent of the chain.
func (s *Service) Wait(ctx context.Context, h agent.Handle) (agent.Handle, error) {
	for {
		if owned, ok := h.(*agent.OwnedHandle); ok {
			select {
			case <-owned.Done():
			case <-ctx.Done():
				return h, ctx.Err()
			}
		}
		for h.State() != agent.StateTerminal {
			select {
			case <-time.After(reattachedPoll):
			case <-ctx.Done():
				return h, ctx.Err()
			}
		}
		next, ok := s.registry.GetBySession(h.SessionID())
		if !ok || next.AgentID() == h.AgentID() || !next.StartedAt().After(h.StartedAt()) {
			return h, nil
		}
		h = next
	}
}

// withSpecLock runs fn under the spec's lock, waiting for in-process holders
func (s *Service) withSpecLock(ctx context.Context, specID string, fn func(context.Context) error) error {
	for {
		err := s.locks.WithLock(ctx, specID, fn)
		if !errors.Is(err, tasklock.ErrOperationRunning) {
			return err
		}
		select {
		case <-time.After(lockRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) writeStateCtx(ctx context.Context, specID string) {
	err := s.withSpecLock(ctx, specID, func(context.Context) error {
		s.writeState(specID)
		return nil
	})
	if err != nil {
		s.logger.Warn("updating spec state", "spec_id", specID, "error", err)
	}
}

// writeState rewrites the spec's state file; the caller holds the spec lock
func (s *Service) writeState(specID string) {
	if s.cfg.General.StateDir == "" {
		return
	}
	recs, err := s.store.ListAgents(agentstore.ListOptions{SpecID: specID})
	if err != nil {
		s.logger.Warn("listing spec agents", "spec_id", specID, "error", err)
		return
	}
	path := StateFilePath(s.cfg.General.StateDir, specID)
	if err := writeSpecState(path, specID, recs, s.now()); err != nil {
		s.logger.Warn("writing spec state", "spec_id", specID, "error", err)
	}
}
