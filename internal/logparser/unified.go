package logparser

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// Unified selects the engine parser for a stream and guarantees that parsing
// never fails: anything that cannot be parsed comes back as a raw text entry.
type Unified struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewUnified creates a facade over the static parser registry
func NewUnified(logger *slog.Logger) *Unified {
	if logger == nil {
		logger = slog.Default()
	}
	return &Unified{logger: logger, now: time.Now}
}

// Resolve returns the parser for engine, falling back to the default engine
// with a warning when engine is empty or unknown
func (u *Unified) Resolve(engine domain.EngineID) (EngineParser, domain.EngineID) {
	if p, ok := registry[engine]; ok {
		return p, engine
	}
	if engine == "" {
		u.logger.Warn("no engine specified, using default parser", "default", domain.DefaultEngine)
	} else {
		u.logger.Warn("unknown engine, using default parser", "engine", engine, "default", domain.DefaultEngine)
	}
	return registry[domain.DefaultEngine], domain.DefaultEngine
}

// ParseLine parses a single line
func (u *Unified) ParseLine(line string, engine domain.EngineID) []Entry {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	p, id := u.Resolve(engine)
	entries, err := u.safely(id, func() ([]Entry, error) { return p.ParseLine(line) })
	if err != nil {
		u.logger.Debug("line parse failed, passing through raw", "engine", id, "error", err)
		return []Entry{RawEntry(line, id, u.now())}
	}
	return entries
}

// ParseData parses a self-contained chunk of any number of lines and
// consolidates streamed text fragments into message-sized entries
func (u *Unified) ParseData(data string, engine domain.EngineID) []Entry {
	var st StreamState
	return u.ParseStream(data, engine, &st)
}

// ParseStream is ParseData for one chunk of a longer stream; st carries what
// the previous chunks of the same stream left open
func (u *Unified) ParseStream(data string, engine domain.EngineID, st *StreamState) []Entry {
	if strings.TrimSpace(data) == "" {
		return nil
	}
	p, id := u.Resolve(engine)
	entries, err := u.safely(id, func() ([]Entry, error) { return p.ParseData(data) })
	if err != nil {
		u.logger.Debug("chunk parse failed, passing through raw", "engine", id, "error", err)
		return []Entry{RawEntry(data, id, u.now())}
	}
	return st.Consolidate(entries)
}

// safely runs parse, converting a panic inside an engine parser into an error
func (u *Unified) safely(engine domain.EngineID, parse func() ([]Entry, error)) (entries []Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("engine parser panicked", "engine", engine, "panic", r)
			entries, err = nil, fmt.Errorf("parser panic: %v", r)
		}
	}()
	return parse()
}

// StreamState is the consolidation state of one output stream. The zero value
// is ready to use.
//
// Claude Code with --include-partial-messages sends every text block twice:
// first as text_delta fragments, then as a complete assistant message. The
// complete copy directly following the fragments is dropped.
type StreamState struct {
	afterDeltas bool
}

// Consolidate drops repeated assistant text and merges fragment runs
func (st *StreamState) Consolidate(entries []Entry) []Entry {
	return Merge(st.dropRepeats(entries))
}

func (st *StreamState) dropRepeats(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.IsRaw():
			// stderr passthrough interleaves freely
		case e.Type == EntryText && e.Text != nil && e.Text.Streamed:
			st.afterDeltas = true
		case e.Type == EntryText && e.Text != nil && e.Text.Role == RoleAssistant && st.afterDeltas:
			st.afterDeltas = false
			continue
		default:
			st.afterDeltas = false
		}
		out = append(out, e)
	}
	return out
}

// Consolidate is StreamState.Consolidate for a self-contained batch
func Consolidate(entries []Entry) []Entry {
	var st StreamState
	return st.Consolidate(entries)
}

// Merge joins runs of consecutive text entries from the same role into one
// entry whose content is the fragments joined in arrival order. Any other
// entry, a role change, a switch between streamed and complete text, or raw
// passthrough output ends the run. The merged entry keeps the ID and
// timestamp of the first fragment.
func Merge(entries []Entry) []Entry {
	if len(entries) < 2 {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	var buf *Entry
	var sb strings.Builder

	flush := func() {
		if buf == nil {
			return
		}
		merged := *buf
		merged.Text = &TextContent{Content: sb.String(), Role: buf.Text.Role, Streamed: buf.Text.Streamed}
		out = append(out, merged)
		buf = nil
		sb.Reset()
	}

	for i := range entries {
		e := entries[i]
		if e.Type != EntryText || e.Text == nil || e.IsRaw() {
			flush()
			out = append(out, e)
			continue
		}
		if buf != nil && (buf.Text.Role != e.Text.Role || buf.Text.Streamed != e.Text.Streamed) {
			flush()
		}
		if buf == nil {
			buf = &entries[i]
		}
		sb.WriteString(e.Text.Content)
	}
	flush()
	return out
}
