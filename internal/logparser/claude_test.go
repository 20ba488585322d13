package logparser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestClaudeParser_SystemInit(t *testing.T) {
	p := NewClaudeParser(fixedNow)
	entries, err := p.ParseLine(`{"type":"system","subtype":"init","session_id":"abc","cwd":"/repo","model":"claude-sonnet","tools":["Read","Edit"],"claude_code_version":"2.0.1"}`)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, EntrySystem, e.Type)
	assert.Equal(t, "abc", e.Session.SessionID)
	assert.Equal(t, "/repo", e.Session.Cwd)
	assert.Equal(t, []string{"Read", "Edit"}, e.Session.Tools)
	assert.Equal(t, fixedNow(), e.Timestamp)
}

func TestClaudeParser_AssistantBlocks(t *testing.T) {
	p := NewClaudeParser(fixedNow)
	entries, err := p.ParseLine(`{"type":"assistant","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"Reading file"},{"type":"tool_use","id":"tu1","name":"Read","input":{"file_path":"main.go"}},{"type":"thinking","thinking":"..."}]}}`)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryText, entries[0].Type)
	assert.Equal(t, "Reading file", entries[0].Text.Content)
	assert.Equal(t, EntryToolUse, entries[1].Type)
	assert.Equal(t, "tu1", entries[1].Tool.ID)
	assert.Equal(t, "Read", entries[1].Tool.Name)
	assert.JSONEq(t, `{"file_path":"main.go"}`, string(entries[1].Tool.Input))
}

func TestClaudeParser_UserToolResult(t *testing.T) {
	p := NewClaudeParser(fixedNow)
	entries, err := p.ParseLine(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu1","content":[{"type":"text","text":"line1"},{"type":"text","text":"line2"}],"is_error":true}]}}`)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	r := entries[0].ToolResult
	assert.Equal(t, "tu1", r.ToolUseID)
	assert.Equal(t, "line1\nline2", r.Content)
	assert.True(t, r.IsError)
}

func TestClaudeParser_UserPromptString(t *testing.T) {
	p := NewClaudeParser(fixedNow)
	entries, err := p.ParseLine(`{"type":"user","message":{"role":"user","content":"continue"}}`)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, RoleUser, entries[0].Text.Role)
	assert.Equal(t, "continue", entries[0].Text.Content)
}

func TestClaudeParser_Result(t *testing.T) {
	p := NewClaudeParser(fixedNow)
	entries, err := p.ParseLine(`{"type":"result","subtype":"error_max_turns","is_error":true,"total_cost_usd":0.42,"duration_ms":1200,"num_turns":30,"usage":{"input_tokens":100,"output_tokens":50}}`)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	r := entries[0].Result
	assert.Equal(t, "error_max_turns", r.Subtype)
	assert.True(t, r.IsError)
	assert.InDelta(t, 0.42, r.CostUSD, 1e-9)
	assert.Equal(t, 30, r.NumTurns)
	assert.Equal(t, 100, r.InputTokens)
	assert.Equal(t, 50, r.OutputTokens)
}

func TestClaudeParser_IgnoredAndInvalid(t *testing.T) {
	p := NewClaudeParser(fixedNow)

	entries, err := p.ParseLine(`{"type":"rate_limit_event"}`)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = p.ParseLine(`{"foo":1}`)
	assert.ErrorIs(t, err, ErrUnrecognized)

	_, err = p.ParseLine(`nope`)
	assert.Error(t, err)
}

func TestClaudeParser_ParseDataMixesRawLines(t *testing.T) {
	p := NewClaudeParser(fixedNow)
	entries, err := p.ParseData("npm WARN something\r\n{\"type\":\"result\",\"subtype\":\"success\"}\n")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsRaw())
	assert.Equal(t, "npm WARN something", entries[0].Text.Content)
	assert.Equal(t, EntryResult, entries[1].Type)
}
