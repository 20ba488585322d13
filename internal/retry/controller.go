// Package retry resumes agent sessions that stopped making progress by
// replaying a "continue" instruction, a bounded number of times.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agent"
)

// MaxRetries is how many times one session may be resumed
const MaxRetries = 2

// ContinuePrompt is the instruction sent to a resumed session
const ContinuePrompt = "continue"

// CodeSessionNotFound is reported to API clients when there is nothing to resume
const CodeSessionNotFound = "SESSION_NOT_FOUND"

// ErrSessionNotFound means no registered agent owns the session
var ErrSessionNotFound = errors.New("session not found")

// Status is the outcome of a retry attempt
type Status string

const (
	StatusResumed Status = "resumed"
	StatusStalled Status = "stalled"
)

// Outcome describes what RetryWithContinue did
type Outcome struct {
	Status Status
	// Agent is the new handle when Status is StatusResumed
	Agent agent.Handle
	// RetryCount is the number of retries including this one
	RetryCount int
}

// SessionLookup finds the agent that owns a session
type SessionLookup interface {
	GetBySession(sessionID string) (agent.Handle, bool)
}

// Resumer restarts an agent's engine on an existing session
type Resumer interface {
	ResumeSession(ctx context.Context, original agent.Handle, prompt string, retryCount int) (agent.Handle, error)
}

// Controller decides whether a session may be resumed and does it
type Controller struct {
	agents  SessionLookup
	resumer Resumer
	logger  *slog.Logger
}

// NewController creates a retry controller
func NewController(agents SessionLookup, resumer Resumer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{agents: agents, resumer: resumer, logger: logger.With("component", "retry")}
}

// RetryWithContinue resumes sessionID with the continue prompt. retryCount is
// the number of retries already attempted; at MaxRetries the session is
// reported stalled and nothing is looked up or spawned.
func (c *Controller) RetryWithContinue(ctx context.Context, sessionID string, retryCount int) (Outcome, error) {
	if retryCount >= MaxRetries {
		c.logger.Warn("retry limit reached, session stalled", "session_id", sessionID, "retries", retryCount)
		return Outcome{Status: StatusStalled, RetryCount: retryCount}, nil
	}

	original, ok := c.agents.GetBySession(sessionID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	next := retryCount + 1
	h, err := c.resumer.ResumeSession(ctx, original, ContinuePrompt, next)
	if err != nil {
		return Outcome{}, fmt.Errorf("resuming session %s: %w", sessionID, err)
	}
	c.logger.Info("session resumed",
		"session_id", sessionID,
		"previous_agent", original.AgentID(),
		"agent_id", h.AgentID(),
		"retry", next,
	)
	return Outcome{Status: StatusResumed, Agent: h, RetryCount: next}, nil
}
