package loganalyzer

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentlog"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

func newTestAnalyzer() *Analyzer {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// writeEnvelopes persists each chunk as one stdout envelope
func writeEnvelopes(t *testing.T, chunks ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.log")
	var sb strings.Builder
	for _, c := range chunks {
		b, err := json.Marshal(agentlog.Envelope{Timestamp: time.Now(), Stream: domain.StreamStdout, Data: c})
		require.NoError(t, err)
		sb.Write(b)
		sb.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func writeRaw(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAnalyzeResult_Classification(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   ResultSubtype
	}{
		{"success", `{"type":"result","subtype":"success","is_error":false}`, Success},
		{"max turns", `{"type":"result","subtype":"error_max_turns","is_error":true}`, ErrorMaxTurns},
		{"during execution", `{"type":"result","subtype":"error_during_execution","is_error":true}`, ErrorDuringExecution},
		{"unknown subtype with error", `{"type":"result","subtype":"error_max_budget_usd","is_error":true}`, ErrorDuringExecution},
		{"unknown subtype without error", `{"type":"result","subtype":"something_new"}`, Success},
		{"gemini success", `{"type":"result","status":"success","stats":{}}`, Success},
		{"gemini error", `{"type":"result","status":"error","error":{"message":"quota"}}`, ErrorDuringExecution},
	}
	a := newTestAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeEnvelopes(t, `{"type":"system","subtype":"init"}`+"\n", tt.result+"\n")
			got, err := a.AnalyzeResult(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnalyzeResult_NoResult(t *testing.T) {
	a := newTestAnalyzer()
	path := writeEnvelopes(t, `{"type":"assistant","message":{"content":"working"}}`+"\n")
	got, err := a.AnalyzeResult(path)
	require.NoError(t, err)
	assert.Equal(t, NoResult, got)
	assert.True(t, got.Retryable())

	_, err = a.ResultLine(path)
	assert.ErrorIs(t, err, ErrNoResult)
	assert.Equal(t, CodeNoResult, CodeOf(err))
}

func TestAnalyzeResult_LastResultWins(t *testing.T) {
	a := newTestAnalyzer()
	path := writeEnvelopes(t,
		`{"type":"result","subtype":"error_max_turns","is_error":true}`+"\n",
		`{"type":"user","message":{"content":"continue"}}`+"\n",
		`{"type":"result","subtype":"success","is_error":false}`+"\n",
	)
	got, err := a.AnalyzeResult(path)
	require.NoError(t, err)
	assert.Equal(t, Success, got)
}

func TestAnalyzeResult_ResultSplitAcrossEnvelopes(t *testing.T) {
	a := newTestAnalyzer()
	path := writeEnvelopes(t, `{"type":"result","subt`, `ype":"error_max_turns","is_error":true}`+"\n")
	got, err := a.AnalyzeResult(path)
	require.NoError(t, err)
	assert.Equal(t, ErrorMaxTurns, got)
}

func TestAnalyzeResult_SkipsMalformedLines(t *testing.T) {
	a := newTestAnalyzer()
	path := writeRaw(t, `{"type":"result","subtype":"success"}
garbage {{{
{"type":"assistant","message":
`)
	got, err := a.AnalyzeResult(path)
	require.NoError(t, err)
	assert.Equal(t, Success, got)
}

func TestAnalyzeResult_RepairsTruncatedRecord(t *testing.T) {
	a := newTestAnalyzer()
	path := writeRaw(t, `{"type":"system","subtype":"init"}
{"type":"result","subtype":"error_max_turns","is_error":true`)
	got, err := a.AnalyzeResult(path)
	require.NoError(t, err)
	assert.Equal(t, ErrorMaxTurns, got)

	rep, err := a.Analyze(path, domain.EngineClaude)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RepairedLines)
}

func TestAnalyzeResult_FileReadError(t *testing.T) {
	a := newTestAnalyzer()
	missing := filepath.Join(t.TempDir(), "missing.log")

	_, err := a.AnalyzeResult(missing)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileRead)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, CodeFileRead, CodeOf(err))

	_, err = a.LastAssistantMessage(missing, domain.EngineClaude)
	assert.ErrorIs(t, err, ErrFileRead)

	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, missing, ae.Path)
}

func TestResultLine_ReturnsRawPayload(t *testing.T) {
	a := newTestAnalyzer()
	last := `{"type":"result","subtype":"success","total_cost_usd":0.1}`
	path := writeEnvelopes(t, `{"type":"result","subtype":"error_max_turns"}`+"\n", last+"\n")
	got, err := a.ResultLine(path)
	require.NoError(t, err)
	assert.Equal(t, last, got)
}

func TestLastAssistantMessage_ConsolidatesDeltas(t *testing.T) {
	a := newTestAnalyzer()
	path := writeEnvelopes(t,
		`{"type":"message","role":"user","content":"go"}`+"\n",
		`{"type":"message","role":"assistant","content":"First","delta":true}`+"\n",
		`{"type":"tool_use","tool_name":"shell","tool_id":"1","parameters":{}}`+"\n",
		`{"type":"message","role":"assistant","content":"Done ","delta":true}`+"\n"+
			`{"type":"message","role":"assistant","content":"now.","delta":true}`+"\n",
		`{"type":"result","status":"success"}`+"\n",
	)
	msg, err := a.LastAssistantMessage(path, domain.EngineGemini)
	require.NoError(t, err)
	assert.Equal(t, "Done now.", msg)
}

func TestLastAssistantMessage_ClaudePartialMessages(t *testing.T) {
	a := newTestAnalyzer()
	path := writeEnvelopes(t,
		`{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1","role":"assistant"}}}`+"\n",
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}`+"\n",
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" World"}}}`+"\n",
		`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`+"\n",
		`{"type":"assistant","message":{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"Hello World"}]}}`+"\n",
		`{"type":"stream_event","event":{"type":"message_stop"}}`+"\n",
		`{"type":"result","subtype":"success","is_error":false,"result":"Hello World"}`+"\n",
	)
	msg, err := a.LastAssistantMessage(path, domain.EngineClaude)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", msg)
}

func TestLastAssistantMessage_NotFound(t *testing.T) {
	a := newTestAnalyzer()
	path := writeEnvelopes(t, `{"type":"user","message":{"content":"hi"}}`+"\n", "plain output\n")
	_, err := a.LastAssistantMessage(path, domain.EngineClaude)
	assert.ErrorIs(t, err, ErrNoAssistant)
	assert.Equal(t, CodeNoAssistant, CodeOf(err))
}

func TestAnalyze_Report(t *testing.T) {
	a := newTestAnalyzer()
	path := writeEnvelopes(t,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"All tasks complete"}]}}`+"\n",
		`{"type":"result","subtype":"success","is_error":false,"total_cost_usd":1.5,"num_turns":12}`+"\n",
	)
	rep, err := a.Analyze(path, domain.EngineClaude)
	require.NoError(t, err)
	assert.Equal(t, Success, rep.Subtype)
	assert.False(t, rep.IsError)
	assert.InDelta(t, 1.5, rep.CostUSD, 1e-9)
	assert.Equal(t, 12, rep.NumTurns)
	assert.Equal(t, "All tasks complete", rep.LastAssistant)
}

func TestRetryable(t *testing.T) {
	assert.True(t, ErrorMaxTurns.Retryable())
	assert.True(t, NoResult.Retryable())
	assert.False(t, Success.Retryable())
	assert.False(t, ErrorDuringExecution.Retryable())
}
