// Package loganalyzer inspects a finished agent's persisted log to decide how
// the run ended and what the agent last said.
package loganalyzer

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentlog"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/logparser"
)

// ResultSubtype classifies how a run ended
type ResultSubtype string

const (
	Success              ResultSubtype = "success"
	ErrorMaxTurns        ResultSubtype = "error_max_turns"
	ErrorDuringExecution ResultSubtype = "error_during_execution"
	NoResult             ResultSubtype = "no_result"
)

// Retryable reports whether resuming the session with "continue" can help
func (r ResultSubtype) Retryable() bool {
	return r == ErrorMaxTurns || r == NoResult
}

// resultLine is the subset of a result event the classifier reads. Claude
// reports subtype/is_error, Gemini reports status.
type resultLine struct {
	Type     string  `json:"type"`
	Subtype  string  `json:"subtype"`
	IsError  bool    `json:"is_error"`
	Status   string  `json:"status"`
	Result   string  `json:"result"`
	CostUSD  float64 `json:"total_cost_usd"`
	NumTurns int     `json:"num_turns"`
}

// Report summarizes a log for display
type Report struct {
	Subtype          ResultSubtype `json:"subtype"`
	IsError          bool          `json:"isError"`
	CostUSD          float64       `json:"costUsd,omitempty"`
	NumTurns         int           `json:"numTurns,omitempty"`
	LastAssistant    string        `json:"lastAssistantMessage,omitempty"`
	RepairedLines    int           `json:"repairedLines,omitempty"`
	MalformedSkipped int           `json:"malformedSkipped,omitempty"`
}

// Analyzer reads persisted agent logs. It holds no state between calls.
type Analyzer struct {
	logger *slog.Logger
	parser *logparser.Unified
}

// New creates an analyzer
func New(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "loganalyzer")
	return &Analyzer{logger: logger, parser: logparser.NewUnified(logger)}
}

// scan holds the engine output recovered from one log file
type scan struct {
	lines     []string
	repaired  int
	malformed int
}

// read extracts engine output lines from a log. Persisted envelopes are
// unwrapped and their stdout data re-split into lines; anything else is taken
// to be a bare engine line.
func (a *Analyzer) read(path string) (*scan, error) {
	s := &scan{}
	var partial string
	err := agentlog.Lines(path, func(line string) {
		if env, ok := agentlog.DecodeLine(line); ok {
			if env.Stream != domain.StreamStdout {
				return
			}
			buf := partial + env.Data
			i := strings.LastIndexByte(buf, '\n')
			if i < 0 {
				partial = buf
				return
			}
			s.appendLines(buf[:i])
			partial = buf[i+1:]
			return
		}
		s.appendLines(line)
	})
	if err != nil {
		return nil, &Error{Code: CodeFileRead, Path: path, Err: err}
	}
	if partial != "" {
		s.appendLines(partial)
	}
	return s, nil
}

func (s *scan) appendLines(data string) {
	for _, l := range strings.Split(data, "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			s.lines = append(s.lines, l)
		}
	}
}

// decodeResult returns the result event on line, if it is one. A record cut
// off mid-write is repaired before being given up on.
func (a *Analyzer) decodeResult(s *scan, line string) (resultLine, string, bool) {
	var r resultLine
	if err := json.Unmarshal([]byte(line), &r); err == nil {
		return r, line, r.Type == "result"
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "{") || !strings.Contains(line, `"result"`) {
		s.malformed++
		return r, "", false
	}
	fixed, err := jsonrepair.JSONRepair(line)
	if err != nil {
		s.malformed++
		return r, "", false
	}
	if err := json.Unmarshal([]byte(fixed), &r); err != nil {
		s.malformed++
		return r, "", false
	}
	s.repaired++
	a.logger.Debug("repaired truncated log record")
	return r, fixed, r.Type == "result"
}

// lastResult finds the last result event. A resumed session appends a newer
// result after the one that triggered the retry, so the last one wins.
func (a *Analyzer) lastResult(s *scan) (resultLine, string, bool) {
	for i := len(s.lines) - 1; i >= 0; i-- {
		if !strings.Contains(s.lines[i], `"result"`) {
			continue
		}
		if r, raw, ok := a.decodeResult(s, s.lines[i]); ok {
			return r, raw, true
		}
	}
	return resultLine{}, "", false
}

func classify(r resultLine) ResultSubtype {
	switch ResultSubtype(r.Subtype) {
	case Success, ErrorMaxTurns, ErrorDuringExecution:
		return ResultSubtype(r.Subtype)
	}
	if r.IsError || r.Status == "error" {
		return ErrorDuringExecution
	}
	return Success
}

// AnalyzeResult classifies how the run recorded at path ended. A log without
// any result event is NoResult, not an error.
func (a *Analyzer) AnalyzeResult(path string) (ResultSubtype, error) {
	s, err := a.read(path)
	if err != nil {
		return "", err
	}
	r, _, ok := a.lastResult(s)
	if !ok {
		return NoResult, nil
	}
	return classify(r), nil
}

// ResultLine returns the raw JSON of the last result event
func (a *Analyzer) ResultLine(path string) (string, error) {
	s, err := a.read(path)
	if err != nil {
		return "", err
	}
	_, raw, ok := a.lastResult(s)
	if !ok {
		return "", &Error{Code: CodeNoResult, Path: path}
	}
	return raw, nil
}

// LastAssistantMessage returns the text of the final assistant message,
// with streamed fragments joined
func (a *Analyzer) LastAssistantMessage(path string, engine domain.EngineID) (string, error) {
	s, err := a.read(path)
	if err != nil {
		return "", err
	}
	if msg, ok := a.lastAssistant(s, engine); ok {
		return msg, nil
	}
	return "", &Error{Code: CodeNoAssistant, Path: path}
}

func (a *Analyzer) lastAssistant(s *scan, engine domain.EngineID) (string, bool) {
	entries := a.parser.ParseData(strings.Join(s.lines, "\n"), engine)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Type == logparser.EntryText && e.Text != nil && e.Text.Role == logparser.RoleAssistant {
			return e.Text.Content, true
		}
	}
	return "", false
}

// Analyze builds a full report for display. Only read failures are errors.
func (a *Analyzer) Analyze(path string, engine domain.EngineID) (*Report, error) {
	s, err := a.read(path)
	if err != nil {
		return nil, err
	}
	rep := &Report{Subtype: NoResult}
	if r, _, ok := a.lastResult(s); ok {
		rep.Subtype = classify(r)
		rep.IsError = r.IsError || r.Status == "error"
		rep.CostUSD = r.CostUSD
		rep.NumTurns = r.NumTurns
	}
	rep.LastAssistant, _ = a.lastAssistant(s, engine)
	rep.RepairedLines = s.repaired
	rep.MalformedSkipped = s.malformed
	return rep, nil
}
