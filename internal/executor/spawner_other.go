//go:build !unix

package executor

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func signalProcess(p *os.Process, sig os.Signal) error {
	if sig != os.Interrupt {
		return p.Kill()
	}
	return p.Signal(sig)
}
