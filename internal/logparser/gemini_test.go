package logparser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiParser_Events(t *testing.T) {
	p := NewGeminiParser(fixedNow)

	tests := []struct {
		name  string
		line  string
		check func(t *testing.T, entries []Entry)
	}{
		{
			name: "init",
			line: `{"type":"init","timestamp":"2025-06-01T10:00:00.000Z","session_id":"g-1","model":"gemini-2.5-pro"}`,
			check: func(t *testing.T, entries []Entry) {
				require.Len(t, entries, 1)
				assert.Equal(t, EntrySystem, entries[0].Type)
				assert.Equal(t, "g-1", entries[0].Session.SessionID)
				assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), entries[0].Timestamp)
			},
		},
		{
			name: "user message",
			line: `{"type":"message","role":"user","content":"do the thing"}`,
			check: func(t *testing.T, entries []Entry) {
				require.Len(t, entries, 1)
				assert.Equal(t, RoleUser, entries[0].Text.Role)
			},
		},
		{
			name: "empty delta",
			line: `{"type":"message","role":"assistant","content":"","delta":true}`,
			check: func(t *testing.T, entries []Entry) {
				assert.Empty(t, entries)
			},
		},
		{
			name: "tool result error",
			line: `{"type":"tool_result","tool_id":"t1","status":"error","error":{"type":"io","message":"not found"}}`,
			check: func(t *testing.T, entries []Entry) {
				require.Len(t, entries, 1)
				assert.True(t, entries[0].ToolResult.IsError)
				assert.Equal(t, "not found", entries[0].ToolResult.Content)
			},
		},
		{
			name: "engine error",
			line: `{"type":"error","severity":"warning","message":"loop detected"}`,
			check: func(t *testing.T, entries []Entry) {
				require.Len(t, entries, 1)
				assert.Equal(t, EntryError, entries[0].Type)
				assert.Equal(t, "warning", entries[0].Error.Severity)
			},
		},
		{
			name: "result success",
			line: `{"type":"result","status":"success","stats":{"input_tokens":10,"output_tokens":20,"duration_ms":300,"tool_calls":2}}`,
			check: func(t *testing.T, entries []Entry) {
				require.Len(t, entries, 1)
				r := entries[0].Result
				assert.Equal(t, "success", r.Subtype)
				assert.False(t, r.IsError)
				assert.Equal(t, 20, r.OutputTokens)
			},
		},
		{
			name: "result error",
			line: `{"type":"result","status":"error","error":{"message":"quota"}}`,
			check: func(t *testing.T, entries []Entry) {
				require.Len(t, entries, 1)
				r := entries[0].Result
				assert.Equal(t, "error_during_execution", r.Subtype)
				assert.True(t, r.IsError)
				assert.Equal(t, "quota", r.Content)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := p.ParseLine(tt.line)
			require.NoError(t, err)
			tt.check(t, entries)
		})
	}
}

func TestEngines_Registered(t *testing.T) {
	engines := Engines()
	assert.Contains(t, engines, NewClaudeParser(fixedNow).Engine())
	assert.Contains(t, engines, NewGeminiParser(fixedNow).Engine())
	assert.True(t, IsKnownEngine("claude"))
	assert.False(t, IsKnownEngine("codex"))
}
