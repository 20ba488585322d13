package agent

import (
	"sync"
	"time"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// OutputFunc receives a chunk of raw process output
type OutputFunc func(stream domain.Stream, data string)

// ExitFunc receives the process exit code once all output was delivered
type ExitFunc func(code int)

// ErrorFunc receives process-level errors (pipe reads, wait failures)
type ErrorFunc func(err error)

// Handle is the uniform control surface over an agent process, whether this
// instance spawned it or rediscovered it after a restart. Callers branch on
// IsReattached to decide between subscribing to events and polling IsAlive.
type Handle interface {
	Stateful

	SpecID() string
	Phase() string
	EngineID() domain.EngineID
	PID() int
	SessionID() string
	SetSessionID(id string)
	StartedAt() time.Time
	ProcessStartTime() string
	LogPath() string
	IsReattached() bool
	ExitReason() string
	SetExitReason(reason string)
	Info() Info

	OnOutput(fn OutputFunc)
	OnExit(fn ExitFunc)
	OnError(fn ErrorFunc)

	IsAlive() bool
	// Terminate asks the process to shut down gracefully where possible
	Terminate() error
	// Kill forcibly ends the process
	Kill() error
}

// Info is the descriptive part of a handle
type Info struct {
	AgentID          string
	SpecID           string
	Phase            string
	EngineID         domain.EngineID
	PID              int
	SessionID        string
	StartedAt        time.Time
	ProcessStartTime string
	LogPath          string
}

// base holds the fields shared by both handle variants
type base struct {
	mu         sync.RWMutex
	info       Info
	state      State
	exitReason string
}

func (b *base) AgentID() string           { return b.info.AgentID }
func (b *base) SpecID() string            { return b.info.SpecID }
func (b *base) Phase() string             { return b.info.Phase }
func (b *base) EngineID() domain.EngineID { return b.info.EngineID }
func (b *base) StartedAt() time.Time      { return b.info.StartedAt }
func (b *base) LogPath() string           { return b.info.LogPath }

func (b *base) PID() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info.PID
}

func (b *base) ProcessStartTime() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info.ProcessStartTime
}

func (b *base) SessionID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info.SessionID
}

func (b *base) SetSessionID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info.SessionID = id
}

func (b *base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *base) SetState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

func (b *base) CompareAndSwapState(old, next State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != old {
		return false
	}
	b.state = next
	return true
}

func (b *base) ExitReason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.exitReason
}

func (b *base) SetExitReason(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exitReason = reason
}

// Info returns a snapshot of the handle's descriptive fields
func (b *base) Info() Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info
}

// Record converts a handle into its persisted form
func Record(h Handle) domain.AgentRecord {
	info := h.Info()
	return domain.AgentRecord{
		AgentID:          info.AgentID,
		SpecID:           info.SpecID,
		Phase:            info.Phase,
		EngineID:         info.EngineID,
		SessionID:        info.SessionID,
		PID:              info.PID,
		Status:           string(h.State()),
		StartedAt:        info.StartedAt,
		ProcessStartTime: info.ProcessStartTime,
		ExitReason:       h.ExitReason(),
		LogPath:          info.LogPath,
	}
}
