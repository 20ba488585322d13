package notify

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	notifier.now = func() time.Time { return time.Unix(1700000000, 0) }
	require.NoError(t, notifier.Send(AgentFailed("a1", "spec-x", "impl", "exit code 1")))

	assert.Equal(t, "Agent failed: spec-x/impl", got.Text)
	require.Len(t, got.Attachments, 1)
	att := got.Attachments[0]
	assert.Equal(t, "danger", att.Color)
	assert.Equal(t, "exit code 1", att.Text)
	assert.Equal(t, int64(1700000000), att.TS)
	assert.Equal(t, []SlackField{
		{Title: "Spec", Value: "spec-x", Short: true},
		{Title: "Phase", Value: "impl", Short: true},
		{Title: "Agent", Value: "a1", Short: true},
	}, att.Fields)
}

func TestSlackNotifier_OmitsEmptyFields(t *testing.T) {
	msg := NewSlackNotifier("http://unused").Message(Notification{Title: "x", AgentID: "a1"})
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, []SlackField{{Title: "Agent", Value: "a1", Short: true}}, msg.Attachments[0].Fields)
	assert.Equal(t, "#439FE0", msg.Attachments[0].Color)
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL).Send(Notification{Title: "x"})
	assert.ErrorContains(t, err, "403: invalid_token")
}

func TestSlackNotifier_DisabledWithoutWebhook(t *testing.T) {
	assert.NoError(t, NewSlackNotifier("").Send(Notification{Title: "x"}))
}

func TestDesktopCommand(t *testing.T) {
	n := AgentStalled("a1", "spec", "impl", 2)

	name, args, ok := desktopCommand("linux", n)
	require.True(t, ok)
	assert.Equal(t, "notify-send", name)
	assert.Contains(t, args, "--icon=dialog-warning")
	assert.Contains(t, args, "--urgency=normal")
	assert.Equal(t, []string{n.Title, n.Message}, args[len(args)-2:])

	name, args, ok = desktopCommand("darwin", n)
	require.True(t, ok)
	assert.Equal(t, "osascript", name)
	assert.Contains(t, args[1], `subtitle "agent a1"`)

	_, _, ok = desktopCommand("plan9", n)
	assert.False(t, ok)
}

func TestDesktopNotifier_Send(t *testing.T) {
	var ran []string
	d := NewDesktopNotifier(true)
	d.goos = "linux"
	d.run = func(name string, args ...string) error {
		ran = append(ran, name)
		return nil
	}
	require.NoError(t, d.Send(AgentFailed("a1", "s", "impl", "boom")))
	assert.Equal(t, []string{"notify-send"}, ran)

	d.enabled = false
	require.NoError(t, d.Send(AgentFailed("a1", "s", "impl", "boom")))
	assert.Len(t, ran, 1)
}

func TestUnknownTypeFallsBackToInfo(t *testing.T) {
	assert.Equal(t, styles[NotifyInfo], NotificationType(42).style())
	assert.Equal(t, "critical", NotifyError.style().urgency)
}

func TestMultiNotifier(t *testing.T) {
	var called []string
	failing := errors.New("unreachable")

	mock1 := &mockNotifier{name: "mock1", calls: &called, err: failing}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	err := multi.Send(AgentStalled("a1", "s", "impl", 2))

	assert.Equal(t, []string{"mock1", "mock2"}, called)
	assert.ErrorIs(t, err, failing)
}

func TestAgentNotifications(t *testing.T) {
	n := AgentStalled("a1", "spec", "tasks", 2)
	assert.Equal(t, NotifyWarning, n.Type)
	assert.Contains(t, n.Message, "2 retries")

	n = AgentCompleted("a1", "spec", "tasks")
	assert.Equal(t, NotifySuccess, n.Type)
	assert.Equal(t, "a1", n.AgentID)
	assert.Equal(t, "tasks", n.Phase)
}

func TestAppleScriptQuote(t *testing.T) {
	assert.Equal(t, `say \"hi\" \\ bye`, appleScriptQuote(`say "hi" \ bye`))
}

type mockNotifier struct {
	name  string
	calls *[]string
	err   error
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return m.err
}
