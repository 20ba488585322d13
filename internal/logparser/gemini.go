package logparser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// GeminiParser reads Gemini CLI `--output-format stream-json` output.
// Assistant text arrives as a series of message events flagged delta.
type GeminiParser struct {
	now func() time.Time
}

// NewGeminiParser creates a parser stamping entries with now() when the event
// carries no timestamp of its own
func NewGeminiParser(now func() time.Time) *GeminiParser {
	return &GeminiParser{now: now}
}

func (p *GeminiParser) Engine() domain.EngineID { return domain.EngineGemini }

type geminiLine struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Delta   bool   `json:"delta,omitempty"`

	// tool_use / tool_result
	ToolName   string          `json:"tool_name,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Status     string          `json:"status,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      *struct {
		Type    string `json:"type,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`

	// error
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`

	// result
	Stats *struct {
		InputTokens  int   `json:"input_tokens"`
		OutputTokens int   `json:"output_tokens"`
		DurationMs   int64 `json:"duration_ms"`
		ToolCalls    int   `json:"tool_calls"`
	} `json:"stats,omitempty"`
}

func (p *GeminiParser) ParseData(data string) ([]Entry, error) {
	return parseLines(data, domain.EngineGemini, p.now, p.ParseLine), nil
}

func (p *GeminiParser) ParseLine(line string) ([]Entry, error) {
	var msg geminiLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, fmt.Errorf("decoding gemini event: %w", err)
	}
	ts := p.now()
	if msg.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			ts = parsed
		}
	}

	switch msg.Type {
	case "init":
		return []Entry{{
			ID:        newEntryID("system", ts),
			Type:      EntrySystem,
			Timestamp: ts,
			EngineID:  domain.EngineGemini,
			Session:   &SessionInfo{SessionID: msg.SessionID, Model: msg.Model},
		}}, nil

	case "message":
		if msg.Content == "" {
			return nil, nil
		}
		role := RoleAssistant
		if msg.Role == "user" {
			role = RoleUser
		}
		return []Entry{textEntry(domain.EngineGemini, msg.Content, role, ts)}, nil

	case "tool_use":
		return []Entry{{
			ID:        newEntryID("tool_use", ts),
			Type:      EntryToolUse,
			Timestamp: ts,
			EngineID:  domain.EngineGemini,
			Tool:      &ToolUse{ID: msg.ToolID, Name: msg.ToolName, Input: msg.Parameters},
		}}, nil

	case "tool_result":
		content := msg.Output
		if msg.Error != nil && msg.Error.Message != "" {
			content = msg.Error.Message
		}
		return []Entry{{
			ID:        newEntryID("tool_result", ts),
			Type:      EntryToolResult,
			Timestamp: ts,
			EngineID:  domain.EngineGemini,
			ToolResult: &ToolResult{
				ToolUseID: msg.ToolID,
				Content:   content,
				IsError:   msg.Status == "error",
			},
		}}, nil

	case "error":
		return []Entry{{
			ID:        newEntryID("error", ts),
			Type:      EntryError,
			Timestamp: ts,
			EngineID:  domain.EngineGemini,
			Error:     &ErrorInfo{Message: msg.Message, Severity: msg.Severity},
		}}, nil

	case "result":
		info := &ResultInfo{Subtype: "success"}
		if msg.Status == "error" {
			info.IsError = true
			info.Subtype = "error_during_execution"
			if msg.Error != nil {
				info.Content = msg.Error.Message
			}
		}
		if msg.Stats != nil {
			info.InputTokens = msg.Stats.InputTokens
			info.OutputTokens = msg.Stats.OutputTokens
			info.DurationMs = msg.Stats.DurationMs
		}
		return []Entry{{
			ID:        newEntryID("result", ts),
			Type:      EntryResult,
			Timestamp: ts,
			EngineID:  domain.EngineGemini,
			Result:    info,
		}}, nil

	case "":
		return nil, ErrUnrecognized
	}
	return nil, nil
}
