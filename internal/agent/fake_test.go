package agent

import (
	"io"
	"os"
	"sync"
	"syscall"
)

// fakeProcess is a Process backed by in-memory pipes
type fakeProcess struct {
	pid         int
	stdoutR     *io.PipeReader
	stdoutW     *io.PipeWriter
	stderrR     *io.PipeReader
	stderrW     *io.PipeWriter
	exit        chan int
	mu          sync.Mutex
	signals     []os.Signal
	closeOnKill bool
	killOnce    sync.Once
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
	if p.closeOnKill {
		p.killOnce.Do(func() { p.finish(-1) })
	}
	return nil
}

// finish closes both pipes and makes Wait return code
func (p *fakeProcess) finish(code int) {
	p.stdoutW.Close()
	p.stderrW.Close()
	p.exit <- code
}

func (p *fakeProcess) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakeProbe reports a fixed set of live PIDs and their start times
type fakeProbe struct {
	alive     map[int]string
	mu        *sync.Mutex
	signalled *[]int
}

func (p fakeProbe) Alive(pid int) bool {
	_, ok := p.alive[pid]
	return ok
}

func (p fakeProbe) StartTime(pid int) (string, error) {
	return p.alive[pid], nil
}

func (p fakeProbe) Signal(pid int, _ syscall.Signal) error {
	if p.mu != nil {
		p.mu.Lock()
		*p.signalled = append(*p.signalled, pid)
		p.mu.Unlock()
	}
	return nil
}
