package agent

import (
	"fmt"
	"syscall"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// ProcessProbe inspects and signals processes by PID
type ProcessProbe interface {
	Alive(pid int) bool
	StartTime(pid int) (string, error)
	// Signal reaches the whole process group when pid leads one
	Signal(pid int, sig syscall.Signal) error
}

// ReattachedHandle represents a process found running after a restart. This
// instance never held its stdio, so it cannot observe output or exit events;
// the subscription methods accept callbacks and never invoke them.
type ReattachedHandle struct {
	base
	probe ProcessProbe
}

// NewReattachedHandle rebuilds a capability-limited handle from a persisted
// record. The handle starts in StateRunning.
func NewReattachedHandle(rec domain.AgentRecord, probe ProcessProbe) *ReattachedHandle {
	if probe == nil {
		probe = SystemProbe{}
	}
	engine := rec.EngineID
	if engine == "" {
		engine = domain.DefaultEngine
	}
	h := &ReattachedHandle{probe: probe}
	h.info = Info{
		AgentID:          rec.AgentID,
		SpecID:           rec.SpecID,
		Phase:            rec.Phase,
		EngineID:         engine,
		PID:              rec.PID,
		SessionID:        rec.SessionID,
		StartedAt:        rec.StartedAt,
		ProcessStartTime: rec.ProcessStartTime,
		LogPath:          rec.LogPath,
	}
	h.state = StateRunning
	h.exitReason = rec.ExitReason
	return h
}

func (h *ReattachedHandle) IsReattached() bool { return true }

func (h *ReattachedHandle) OnOutput(OutputFunc) {}
func (h *ReattachedHandle) OnExit(ExitFunc)     {}
func (h *ReattachedHandle) OnError(ErrorFunc)   {}

// IsAlive reports whether the recorded PID still belongs to the original
// process. A live PID with a different start time was reused by the OS.
func (h *ReattachedHandle) IsAlive() bool {
	pid := h.PID()
	if pid <= 0 || !h.probe.Alive(pid) {
		return false
	}
	recorded := h.ProcessStartTime()
	if recorded == "" {
		return true
	}
	current, err := h.probe.StartTime(pid)
	if err != nil || current == "" {
		// Can't tell; trust the PID
		return true
	}
	return current == recorded
}

// Terminate is a forced kill: graceful shutdown needs stdio we never owned
func (h *ReattachedHandle) Terminate() error {
	return h.Kill()
}

func (h *ReattachedHandle) Kill() error {
	if !h.IsAlive() {
		return nil
	}
	if err := h.probe.Signal(h.PID(), syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing reattached process %d: %w", h.PID(), err)
	}
	return nil
}
