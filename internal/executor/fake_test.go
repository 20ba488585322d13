package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agent"
)

// fakeProcess is a Process backed by in-memory pipes. It exits when it
// receives exitOn, if set.
type fakeProcess struct {
	pid     int
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	exit    chan int
	exitOn  os.Signal

	mu       sync.Mutex
	signals  []os.Signal
	doneOnce sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{pid: pid, exit: make(chan int, 1)}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Pid() int          { return p.pid }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exit, nil
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if p.exitOn != nil && sig == p.exitOn {
		p.finish(-1)
	}
	return nil
}

func (p *fakeProcess) writeStdout(lines ...string) {
	for _, l := range lines {
		io.WriteString(p.stdoutW, l+"\n")
	}
}

// finish closes both pipes and makes Wait return code
func (p *fakeProcess) finish(code int) {
	p.doneOnce.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		p.exit <- code
	})
}

func (p *fakeProcess) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakeSpawner hands out fake processes and runs script against each one
type fakeSpawner struct {
	mu     sync.Mutex
	cmds   []Command
	procs  []*fakeProcess
	err    error
	exitOn os.Signal
	script func(n int, p *fakeProcess)
}

func (s *fakeSpawner) Spawn(ctx context.Context, c Command) (agent.Process, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	n := len(s.procs)
	p := newFakeProcess(1000 + n)
	p.exitOn = s.exitOn
	s.cmds = append(s.cmds, c)
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	if s.script != nil {
		go s.script(n, p)
	}
	return p, nil
}

func (s *fakeSpawner) commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.cmds...)
}

func (s *fakeSpawner) process(n int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[n]
}

var errSpawn = errors.New("exec: \"claude\": executable file not found in $PATH")

// fakeProbe reports a mutable set of live PIDs; SIGKILL removes one
type fakeProbe struct {
	mu    sync.Mutex
	alive map[int]bool
}

func newFakeProbe(pids ...int) *fakeProbe {
	p := &fakeProbe{alive: make(map[int]bool)}
	for _, pid := range pids {
		p.alive[pid] = true
	}
	return p
}

func (p *fakeProbe) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *fakeProbe) StartTime(int) (string, error) { return "", nil }

func (p *fakeProbe) Signal(pid int, sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		p.mu.Lock()
		delete(p.alive, pid)
		p.mu.Unlock()
	}
	return nil
}
