//go:build unix

package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// SystemProbe inspects real processes
type SystemProbe struct{}

// Alive sends signal 0, which checks for existence without delivering anything
func (SystemProbe) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// StartTime returns an opaque stamp identifying the process incarnation. On
// Linux it is the starttime field of /proc/<pid>/stat; elsewhere ps lstart.
func (SystemProbe) StartTime(pid int) (string, error) {
	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
		return parseProcStatStartTime(string(data))
	}
	out, err := exec.Command("ps", "-o", "lstart=", "-p", fmt.Sprint(pid)).Output()
	if err != nil {
		return "", fmt.Errorf("reading start time of %d: %w", pid, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Signal delivers sig to the process group led by pid, matching how agents
// are spawned, and to pid alone when it leads no group
func (SystemProbe) Signal(pid int, sig syscall.Signal) error {
	return signalGroup(unix.Kill, pid, sig)
}

func signalGroup(kill func(int, syscall.Signal) error, pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return kill(pid, sig)
	}
	return err
}

// parseProcStatStartTime extracts field 22. The comm field may contain spaces
// and parentheses, so fields are counted from the last ')'.
func parseProcStatStartTime(stat string) (string, error) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return "", fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(stat[end+1:])
	// fields[0] is field 3 (state); starttime is field 22
	const startTimeIdx = 22 - 3
	if len(fields) <= startTimeIdx {
		return "", fmt.Errorf("stat line has %d fields after comm", len(fields))
	}
	return fields[startTimeIdx], nil
}
