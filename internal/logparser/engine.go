package logparser

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// ErrUnrecognized is returned for a line that is valid JSON but not an
// event the engine parser knows how to read
var ErrUnrecognized = errors.New("unrecognized event")

// EngineParser turns one engine's stream-json output into entries
type EngineParser interface {
	Engine() domain.EngineID
	// ParseLine parses one JSON line. Unknown-but-harmless event types yield
	// no entries and no error.
	ParseLine(line string) ([]Entry, error)
	// ParseData parses a chunk holding any number of lines. A line that
	// fails to parse becomes a raw text entry.
	ParseData(data string) ([]Entry, error)
}

// registry maps engine IDs to their parsers. It is built once at package
// initialisation and never mutated; add an engine by adding an entry here.
var registry = map[domain.EngineID]EngineParser{
	domain.EngineClaude: NewClaudeParser(time.Now),
	domain.EngineGemini: NewGeminiParser(time.Now),
}

// Engines returns the registered engine IDs, sorted
func Engines() []domain.EngineID {
	out := make([]domain.EngineID, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsKnownEngine reports whether id has a registered parser
func IsKnownEngine(id domain.EngineID) bool {
	_, ok := registry[id]
	return ok
}

// parseLines splits data on newlines and parses each non-blank line with
// parseLine, degrading failures to raw entries for that line only.
func parseLines(data string, engine domain.EngineID, now func() time.Time, parseLine func(string) ([]Entry, error)) []Entry {
	var out []Entry
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		entries, err := parseLine(line)
		if err != nil {
			out = append(out, RawEntry(line, engine, now()))
			continue
		}
		out = append(out, entries...)
	}
	return out
}
