// Package agentlog persists raw agent output as JSON-lines envelopes so a run
// can be analyzed or replayed after the process, or this application, is gone.
package agentlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// maxLineSize caps a single envelope; engine result lines can be large
const maxLineSize = 16 * 1024 * 1024

// Envelope is one persisted chunk of process output
type Envelope struct {
	Timestamp time.Time     `json:"timestamp"`
	Stream    domain.Stream `json:"stream"`
	Data      string        `json:"data"`
}

// Path returns the log location for an agent: <logDir>/<specID>/<agentID>.log
func Path(logDir, specID, agentID string) string {
	return filepath.Join(logDir, specID, agentID+".log")
}

// Writer appends envelopes to a log file. It is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
	now  func() time.Time
}

// Open opens path for appending, creating parent directories as needed
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &Writer{f: f, path: path, now: time.Now}, nil
}

// Path returns the file the writer appends to
func (w *Writer) Path() string { return w.path }

// Append writes one envelope for a chunk of output
func (w *Writer) Append(stream domain.Stream, data string) error {
	b, err := json.Marshal(Envelope{Timestamp: w.now().UTC(), Stream: stream, Data: data})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	if _, err := w.f.Write(b); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	return nil
}

// Close closes the underlying file. Further appends fail with os.ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Lines calls fn for every line in the file at path, in order. Line endings
// are stripped.
func Lines(path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scanLines(f, fn)
}

func scanLines(r io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	return scanner.Err()
}

// DecodeLine decodes one persisted envelope. ok is false when the line is
// not an envelope, for example a bare engine JSON line or a torn write.
func DecodeLine(line string) (env Envelope, ok bool) {
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Envelope{}, false
	}
	if env.Stream == "" {
		return Envelope{}, false
	}
	return env, true
}

// ReadAll returns every envelope in the file, skipping undecodable lines
func ReadAll(path string) ([]Envelope, error) {
	var out []Envelope
	err := Lines(path, func(line string) {
		if env, ok := DecodeLine(line); ok {
			out = append(out, env)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Tail returns the last n envelopes in the file
func Tail(path string, n int) ([]Envelope, error) {
	all, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
