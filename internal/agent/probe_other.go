//go:build !unix

package agent

import (
	"os"
	"syscall"
)

// SystemProbe inspects real processes
type SystemProbe struct{}

func (SystemProbe) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

// StartTime is unsupported on this platform
func (SystemProbe) StartTime(int) (string, error) {
	return "", nil
}

func (SystemProbe) Signal(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
