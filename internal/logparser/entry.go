// Package logparser normalizes the streaming JSON-lines output of the
// supported AI CLIs into one structured entry format.
package logparser

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// EntryType classifies a parsed entry
type EntryType string

const (
	EntrySystem     EntryType = "system"
	EntryText       EntryType = "text"
	EntryToolUse    EntryType = "tool_use"
	EntryToolResult EntryType = "tool_result"
	EntryResult     EntryType = "result"
	EntryError      EntryType = "error"
)

// Role is the author of a text entry
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleRaw       Role = "raw" // unparsed output passed through verbatim
)

// Entry is one normalized unit of engine output. Entries are never mutated
// after they are emitted.
type Entry struct {
	ID         string          `json:"id"`
	Type       EntryType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	EngineID   domain.EngineID `json:"engineId"`
	Session    *SessionInfo    `json:"session,omitempty"`
	Text       *TextContent    `json:"text,omitempty"`
	Tool       *ToolUse        `json:"tool,omitempty"`
	ToolResult *ToolResult     `json:"toolResult,omitempty"`
	Result     *ResultInfo     `json:"result,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
}

// SessionInfo is reported once per session, when the engine starts
type SessionInfo struct {
	SessionID string   `json:"sessionId,omitempty"`
	Model     string   `json:"model,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Version   string   `json:"version,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

// TextContent is natural-language output
type TextContent struct {
	Content string `json:"content"`
	Role    Role   `json:"role"`
	// Streamed marks a fragment of a message the engine will repeat in full
	Streamed bool `json:"streamed,omitempty"`
}

// ToolUse is a tool invocation requested by the model
type ToolUse struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the output of a tool invocation
type ToolResult struct {
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError"`
}

// ResultInfo summarizes a finished engine run
type ResultInfo struct {
	Subtype      string  `json:"subtype,omitempty"`
	IsError      bool    `json:"isError"`
	Content      string  `json:"content,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
	DurationMs   int64   `json:"durationMs,omitempty"`
	NumTurns     int     `json:"numTurns,omitempty"`
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
}

// ErrorInfo is an error reported by the engine itself
type ErrorInfo struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

var entrySeq atomic.Uint64

// newEntryID returns an ID unique within this process
func newEntryID(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s-%d-%d", prefix, ts.UnixNano(), entrySeq.Add(1))
}

// RawEntry wraps output that could not be parsed as a plain text entry
func RawEntry(content string, engine domain.EngineID, ts time.Time) Entry {
	return Entry{
		ID:        newEntryID("raw", ts),
		Type:      EntryText,
		Timestamp: ts,
		EngineID:  engine,
		Text:      &TextContent{Content: content, Role: RoleRaw},
	}
}

// IsRaw reports whether e is unparsed passthrough output
func (e Entry) IsRaw() bool {
	return e.Type == EntryText && e.Text != nil && e.Text.Role == RoleRaw
}
