package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agent"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

type lookupFunc func(string) (agent.Handle, bool)

func (f lookupFunc) GetBySession(id string) (agent.Handle, bool) { return f(id) }

type fakeResumer struct {
	calls   int
	prompt  string
	retry   int
	handle  agent.Handle
	err     error
	session string
}

func (r *fakeResumer) ResumeSession(_ context.Context, original agent.Handle, prompt string, retryCount int) (agent.Handle, error) {
	r.calls++
	r.prompt = prompt
	r.retry = retryCount
	r.session = original.SessionID()
	return r.handle, r.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func reattached(agentID, session string) agent.Handle {
	return agent.NewReattachedHandle(domain.AgentRecord{
		AgentID:   agentID,
		SpecID:    "spec",
		SessionID: session,
		PID:       1,
		StartedAt: time.Now(),
	}, nil)
}

func TestRetryWithContinue_StalledAtLimit(t *testing.T) {
	lookups := 0
	lookup := lookupFunc(func(string) (agent.Handle, bool) {
		lookups++
		return nil, false
	})
	resumer := &fakeResumer{}
	c := NewController(lookup, resumer, quietLogger())

	for _, n := range []int{MaxRetries, MaxRetries + 1} {
		out, err := c.RetryWithContinue(context.Background(), "s1", n)
		require.NoError(t, err)
		assert.Equal(t, StatusStalled, out.Status)
		assert.Nil(t, out.Agent)
	}
	assert.Zero(t, lookups)
	assert.Zero(t, resumer.calls)
}

func TestRetryWithContinue_SessionNotFound(t *testing.T) {
	reg := agent.NewRegistry()
	resumer := &fakeResumer{}
	c := NewController(reg, resumer, quietLogger())

	_, err := c.RetryWithContinue(context.Background(), "missing", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Zero(t, resumer.calls)
}

func TestRetryWithContinue_Resumes(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register(reattached("a1", "sess-1"))
	resumed := reattached("a2", "sess-1")
	resumer := &fakeResumer{handle: resumed}
	c := NewController(reg, resumer, quietLogger())

	out, err := c.RetryWithContinue(context.Background(), "sess-1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusResumed, out.Status)
	assert.Equal(t, 2, out.RetryCount)
	assert.Same(t, resumed, out.Agent)
	assert.Equal(t, ContinuePrompt, resumer.prompt)
	assert.Equal(t, 2, resumer.retry)
	assert.Equal(t, "sess-1", resumer.session)
}

func TestRetryWithContinue_ResumeFailure(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register(reattached("a1", "sess-1"))
	resumer := &fakeResumer{err: errors.New("spawn failed")}
	c := NewController(reg, resumer, quietLogger())

	_, err := c.RetryWithContinue(context.Background(), "sess-1", 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionNotFound)
	assert.Contains(t, err.Error(), "spawn failed")
}
