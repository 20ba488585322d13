package agent

import (
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

func TestOwnedHandle_DeliversOutputBeforeExit(t *testing.T) {
	proc := newFakeProcess(4242)
	h := NewOwnedHandle(Info{AgentID: "a1", SpecID: "spec", EngineID: domain.EngineClaude}, proc)
	assert.Equal(t, 4242, h.PID())
	assert.Equal(t, StateSpawning, h.State())
	assert.False(t, h.IsReattached())

	var mu sync.Mutex
	var stdout, stderr strings.Builder
	h.OnOutput(func(stream domain.Stream, data string) {
		mu.Lock()
		defer mu.Unlock()
		if stream == domain.StreamStdout {
			stdout.WriteString(data)
		} else {
			stderr.WriteString(data)
		}
	})

	exited := make(chan string, 1)
	h.OnExit(func(code int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 3, code)
		exited <- stdout.String()
	})
	h.Start()

	go func() {
		proc.stdoutW.Write([]byte("{\"type\":\"system\"}\n"))
		proc.stderrW.Write([]byte("warning\n"))
		proc.stdoutW.Write([]byte("{\"type\":\"result\"}\npartial"))
		proc.finish(3)
	}()

	select {
	case out := <-exited:
		assert.Equal(t, "{\"type\":\"system\"}\n{\"type\":\"result\"}\npartial", out)
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback not invoked")
	}
	<-h.Done()

	mu.Lock()
	assert.Equal(t, "warning\n", stderr.String())
	mu.Unlock()
	assert.False(t, h.IsAlive())
	assert.Equal(t, 3, h.ExitCode())
}

func TestOwnedHandle_TerminateAndKill(t *testing.T) {
	proc := newFakeProcess(7)
	h := NewOwnedHandle(Info{AgentID: "a1"}, proc)
	h.Start()

	require.NoError(t, h.Terminate())
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, proc.receivedSignals())

	proc.finish(0)
	<-h.Done()

	// Signals after exit are swallowed
	require.NoError(t, h.Kill())
	assert.Len(t, proc.receivedSignals(), 1)
}

func TestOwnedHandle_StartIsIdempotent(t *testing.T) {
	proc := newFakeProcess(8)
	h := NewOwnedHandle(Info{AgentID: "a1"}, proc)
	var calls int
	var mu sync.Mutex
	h.OnExit(func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	h.Start()
	h.Start()
	proc.finish(0)
	<-h.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestReattachedHandle_SubscriptionsAreNoops(t *testing.T) {
	rec := domain.AgentRecord{
		AgentID:          "agent-9",
		SpecID:           "billing",
		Phase:            "impl",
		PID:              999,
		SessionID:        "sess-1",
		StartedAt:        time.Now().Add(-time.Minute),
		ProcessStartTime: "12345",
	}
	h := NewReattachedHandle(rec, fakeProbe{alive: map[int]string{999: "12345"}})

	called := false
	h.OnOutput(func(domain.Stream, string) { called = true })
	h.OnExit(func(int) { called = true })
	h.OnError(func(error) { called = true })

	assert.False(t, called)
	assert.True(t, h.IsReattached())
	assert.Equal(t, 999, h.PID())
	assert.Equal(t, "sess-1", h.SessionID())
	assert.Equal(t, "12345", h.ProcessStartTime())
	assert.Equal(t, domain.DefaultEngine, h.EngineID())
	assert.Equal(t, StateRunning, h.State())
	assert.True(t, h.IsAlive())
}

func TestReattachedHandle_DetectsPIDReuse(t *testing.T) {
	rec := domain.AgentRecord{AgentID: "a", PID: 50, ProcessStartTime: "100"}

	reused := NewReattachedHandle(rec, fakeProbe{alive: map[int]string{50: "200"}})
	assert.False(t, reused.IsAlive())

	gone := NewReattachedHandle(rec, fakeProbe{alive: map[int]string{}})
	assert.False(t, gone.IsAlive())

	rec.ProcessStartTime = ""
	unknown := NewReattachedHandle(rec, fakeProbe{alive: map[int]string{50: "200"}})
	assert.True(t, unknown.IsAlive())
}

func TestReattachedHandle_TerminateIsForcedKill(t *testing.T) {
	var mu sync.Mutex
	var signalled []int
	probe := fakeProbe{alive: map[int]string{77: ""}, mu: &mu, signalled: &signalled}
	h := NewReattachedHandle(domain.AgentRecord{AgentID: "a", PID: 77}, probe)

	require.NoError(t, h.Terminate())
	assert.Equal(t, []int{77}, signalled)

	dead := NewReattachedHandle(domain.AgentRecord{AgentID: "b", PID: 78}, probe)
	require.NoError(t, dead.Kill())
	assert.Equal(t, []int{77}, signalled)
}

func TestRecord_RoundTripsHandleFields(t *testing.T) {
	h := NewReattachedHandle(domain.AgentRecord{AgentID: "a", SpecID: "s", Phase: "p", PID: 1, SessionID: "x"}, fakeProbe{})
	h.SetExitReason("stopped by user")
	rec := Record(h)
	assert.Equal(t, "a", rec.AgentID)
	assert.Equal(t, "running", rec.Status)
	assert.Equal(t, "stopped by user", rec.ExitReason)
	assert.Equal(t, "x", rec.SessionID)
}
