package agent

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// maxChunkSize bounds how many buffered lines are coalesced into one chunk
const maxChunkSize = 256 * 1024

// Process is a live child process as returned by the spawning collaborator
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. It must only be called once both
	// output streams have been drained. A process killed by a signal reports -1.
	Wait() (exitCode int, err error)
	Signal(sig os.Signal) error
}

// OwnedHandle wraps a process this instance spawned and whose stdio it holds
type OwnedHandle struct {
	base
	proc Process

	cbMu      sync.Mutex
	outputFns []OutputFunc
	exitFns   []ExitFunc
	errorFns  []ErrorFunc

	startOnce sync.Once
	exited    atomic.Bool
	exitCode  atomic.Int64
	done      chan struct{}
}

// NewOwnedHandle wraps proc. The handle starts in StateSpawning; output is not
// consumed until Start is called, so subscriptions can be registered first.
func NewOwnedHandle(info Info, proc Process) *OwnedHandle {
	info.PID = proc.Pid()
	h := &OwnedHandle{
		proc: proc,
		done: make(chan struct{}),
	}
	h.info = info
	h.state = StateSpawning
	return h
}

func (h *OwnedHandle) IsReattached() bool { return false }

func (h *OwnedHandle) OnOutput(fn OutputFunc) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.outputFns = append(h.outputFns, fn)
}

func (h *OwnedHandle) OnExit(fn ExitFunc) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.exitFns = append(h.exitFns, fn)
}

func (h *OwnedHandle) OnError(fn ErrorFunc) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.errorFns = append(h.errorFns, fn)
}

// Start begins draining the process output. Calling it more than once is a no-op.
func (h *OwnedHandle) Start() {
	h.startOnce.Do(func() {
		go h.run()
	})
}

// Done is closed after the exit callbacks returned
func (h *OwnedHandle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit code, valid once Done is closed
func (h *OwnedHandle) ExitCode() int {
	return int(h.exitCode.Load())
}

func (h *OwnedHandle) IsAlive() bool {
	return !h.exited.Load()
}

func (h *OwnedHandle) Terminate() error {
	if h.exited.Load() {
		return nil
	}
	return h.proc.Signal(syscall.SIGTERM)
}

func (h *OwnedHandle) Kill() error {
	if h.exited.Load() {
		return nil
	}
	return h.proc.Signal(syscall.SIGKILL)
}

func (h *OwnedHandle) run() {
	var g errgroup.Group
	g.Go(func() error { return h.pump(domain.StreamStdout, h.proc.Stdout()) })
	g.Go(func() error { return h.pump(domain.StreamStderr, h.proc.Stderr()) })
	if err := g.Wait(); err != nil {
		h.emitError(err)
	}

	code, err := h.proc.Wait()
	if err != nil {
		h.emitError(fmt.Errorf("waiting for process %d: %w", h.PID(), err))
	}
	h.exitCode.Store(int64(code))
	h.exited.Store(true)

	h.cbMu.Lock()
	fns := append([]ExitFunc(nil), h.exitFns...)
	h.cbMu.Unlock()
	for _, fn := range fns {
		fn(code)
	}
	close(h.done)
}

// pump reads r until EOF. Every complete line already sitting in the buffer
// is coalesced into one chunk so that bursts of streamed deltas reach the
// parser together.
func (h *OwnedHandle) pump(stream domain.Stream, r io.Reader) error {
	if r == nil {
		return nil
	}
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		chunk, err := br.ReadString('\n')
		for err == nil && len(chunk) < maxChunkSize && hasBufferedLine(br) {
			var next string
			next, err = br.ReadString('\n')
			chunk += next
		}
		if chunk != "" {
			h.emitOutput(stream, chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading %s: %w", stream, err)
		}
	}
}

func hasBufferedLine(br *bufio.Reader) bool {
	n := br.Buffered()
	if n == 0 {
		return false
	}
	peek, _ := br.Peek(n)
	return bytes.IndexByte(peek, '\n') >= 0
}

// emitOutput runs subscribers under cbMu so stdout and stderr chunks reach
// them one at a time.
func (h *OwnedHandle) emitOutput(stream domain.Stream, data string) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	for _, fn := range h.outputFns {
		fn(stream, data)
	}
}

func (h *OwnedHandle) emitError(err error) {
	h.cbMu.Lock()
	fns := append([]ErrorFunc(nil), h.errorFns...)
	h.cbMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
