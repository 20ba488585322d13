package logparser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// ClaudeParser reads Claude Code `--output-format stream-json` output,
// including the stream_event deltas emitted with --include-partial-messages.
type ClaudeParser struct {
	now func() time.Time
}

// NewClaudeParser creates a parser stamping entries with now()
func NewClaudeParser(now func() time.Time) *ClaudeParser {
	return &ClaudeParser{now: now}
}

func (p *ClaudeParser) Engine() domain.EngineID { return domain.EngineClaude }

// claudeLine is the union of the stream-json event shapes we read
type claudeLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// system/init
	Cwd     string   `json:"cwd,omitempty"`
	Model   string   `json:"model,omitempty"`
	Version string   `json:"claude_code_version,omitempty"`
	Tools   []string `json:"tools,omitempty"`

	// assistant/user
	Message *struct {
		ID      string          `json:"id,omitempty"`
		Role    string          `json:"role,omitempty"`
		Content json.RawMessage `json:"content,omitempty"`
	} `json:"message,omitempty"`

	// stream_event
	Event *struct {
		Type  string `json:"type"`
		Delta *struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"delta,omitempty"`
	} `json:"event,omitempty"`

	// result
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	Usage        *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (p *ClaudeParser) ParseData(data string) ([]Entry, error) {
	return parseLines(data, domain.EngineClaude, p.now, p.ParseLine), nil
}

func (p *ClaudeParser) ParseLine(line string) ([]Entry, error) {
	var msg claudeLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, fmt.Errorf("decoding claude event: %w", err)
	}
	ts := p.now()

	switch msg.Type {
	case "system":
		return []Entry{{
			ID:        newEntryID("system", ts),
			Type:      EntrySystem,
			Timestamp: ts,
			EngineID:  domain.EngineClaude,
			Session: &SessionInfo{
				SessionID: msg.SessionID,
				Model:     msg.Model,
				Cwd:       msg.Cwd,
				Version:   msg.Version,
				Tools:     msg.Tools,
			},
		}}, nil

	case "assistant", "user":
		if msg.Message == nil {
			return nil, nil
		}
		role := RoleAssistant
		if msg.Type == "user" {
			role = RoleUser
		}
		return p.parseContent(msg.Message.Content, role, ts)

	case "stream_event":
		if msg.Event == nil || msg.Event.Type != "content_block_delta" || msg.Event.Delta == nil {
			return nil, nil
		}
		if msg.Event.Delta.Type != "text_delta" || msg.Event.Delta.Text == "" {
			return nil, nil
		}
		e := textEntry(domain.EngineClaude, msg.Event.Delta.Text, RoleAssistant, ts)
		e.Text.Streamed = true
		return []Entry{e}, nil

	case "result":
		info := &ResultInfo{
			Subtype:    msg.Subtype,
			IsError:    msg.IsError,
			Content:    msg.Result,
			CostUSD:    msg.TotalCostUSD,
			DurationMs: msg.DurationMs,
			NumTurns:   msg.NumTurns,
		}
		if info.CostUSD == 0 {
			info.CostUSD = msg.CostUSD
		}
		if msg.Usage != nil {
			info.InputTokens = msg.Usage.InputTokens
			info.OutputTokens = msg.Usage.OutputTokens
		}
		return []Entry{{
			ID:        newEntryID("result", ts),
			Type:      EntryResult,
			Timestamp: ts,
			EngineID:  domain.EngineClaude,
			Result:    info,
		}}, nil

	case "error":
		return []Entry{{
			ID:        newEntryID("error", ts),
			Type:      EntryError,
			Timestamp: ts,
			EngineID:  domain.EngineClaude,
			Error:     &ErrorInfo{Message: msg.Error},
		}}, nil

	case "":
		return nil, ErrUnrecognized
	}
	// rate limit notices, hooks and the like carry nothing we display
	return nil, nil
}

// parseContent handles message.content, which is either a plain string or a
// list of content blocks
func (p *ClaudeParser) parseContent(raw json.RawMessage, role Role, ts time.Time) ([]Entry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []Entry{textEntry(domain.EngineClaude, s, role, ts)}, nil
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("decoding message content: %w", err)
	}

	var out []Entry
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				out = append(out, textEntry(domain.EngineClaude, b.Text, role, ts))
			}
		case "tool_use":
			out = append(out, Entry{
				ID:        newEntryID("tool_use", ts),
				Type:      EntryToolUse,
				Timestamp: ts,
				EngineID:  domain.EngineClaude,
				Tool:      &ToolUse{ID: b.ID, Name: b.Name, Input: b.Input},
			})
		case "tool_result":
			out = append(out, Entry{
				ID:        newEntryID("tool_result", ts),
				Type:      EntryToolResult,
				Timestamp: ts,
				EngineID:  domain.EngineClaude,
				ToolResult: &ToolResult{
					ToolUseID: b.ToolUseID,
					Content:   toolResultText(b.Content),
					IsError:   b.IsError,
				},
			})
		}
	}
	return out, nil
}

// toolResultText flattens tool_result content, a string or a list of text blocks
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func textEntry(engine domain.EngineID, content string, role Role, ts time.Time) Entry {
	return Entry{
		ID:        newEntryID("text", ts),
		Type:      EntryText,
		Timestamp: ts,
		EngineID:  engine,
		Text:      &TextContent{Content: content, Role: role},
	}
}
