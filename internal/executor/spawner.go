package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agent"
)

// Command is a fully built engine invocation
type Command struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// String renders the command for logs, eliding the prompt argument body
func (c Command) String() string {
	s := c.Binary
	for _, a := range c.Args {
		if len(a) > 80 {
			a = a[:77] + "..."
		}
		s += " " + a
	}
	return s
}

// Spawner starts engine processes
type Spawner interface {
	Spawn(ctx context.Context, c Command) (agent.Process, error)
}

// ExecSpawner starts real child processes. Each child leads its own process
// group so that signals reach the tools it launched as well.
type ExecSpawner struct{}

// Spawn starts c. The process is not tied to ctx: agents outlive the request
// that started them and are stopped through their handle.
func (ExecSpawner) Spawn(ctx context.Context, c Command) (agent.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(c.Binary, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Binary, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ExitCode is -1 when the process was killed by a signal
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *execProcess) Signal(sig os.Signal) error {
	return signalProcess(p.cmd.Process, sig)
}
