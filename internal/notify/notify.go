package notify

import (
	"errors"
	"fmt"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

type style struct {
	slackColor string
	icon       string
	urgency    string
}

var styles = map[NotificationType]style{
	NotifyInfo:    {"#439FE0", "dialog-information", "low"},
	NotifySuccess: {"good", "dialog-positive", "normal"},
	NotifyWarning: {"warning", "dialog-warning", "normal"},
	NotifyError:   {"danger", "dialog-error", "critical"},
}

func (t NotificationType) style() style {
	if st, ok := styles[t]; ok {
		return st
	}
	return styles[NotifyInfo]
}

// Notification represents a notification to be sent. The agent fields are
// optional.
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	AgentID string
	SpecID  string
	Phase   string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers, returning every failure
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// AgentFailed describes an agent that exited unsuccessfully
func AgentFailed(agentID, specID, phase, reason string) Notification {
	return Notification{
		Title:   fmt.Sprintf("Agent failed: %s/%s", specID, phase),
		Message: reason,
		Type:    NotifyError,
		AgentID: agentID,
		SpecID:  specID,
		Phase:   phase,
	}
}

// AgentStalled describes a session that used up its retries
func AgentStalled(agentID, specID, phase string, retries int) Notification {
	return Notification{
		Title:   fmt.Sprintf("Agent stalled: %s/%s", specID, phase),
		Message: fmt.Sprintf("Session made no progress after %d retries and needs attention", retries),
		Type:    NotifyWarning,
		AgentID: agentID,
		SpecID:  specID,
		Phase:   phase,
	}
}

// AgentCompleted describes a successful run
func AgentCompleted(agentID, specID, phase string) Notification {
	return Notification{
		Title:   fmt.Sprintf("Agent completed: %s/%s", specID, phase),
		Message: "Phase finished successfully",
		Type:    NotifySuccess,
		AgentID: agentID,
		SpecID:  specID,
		Phase:   phase,
	}
}
