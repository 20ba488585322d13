package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier shows notifications through the OS notification center
type DesktopNotifier struct {
	enabled bool
	goos    string
	run     func(name string, args ...string) error
}

func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		goos:    runtime.GOOS,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send shows n. Platforms without a known notifier are silently skipped.
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := desktopCommand(d.goos, n)
	if !ok {
		return nil
	}
	return d.run(name, args...)
}

// desktopCommand returns the command line that displays n on goos
func desktopCommand(goos string, n Notification) (string, []string, bool) {
	switch goos {
	case "darwin":
		script := `display notification "` + appleScriptQuote(n.Message) +
			`" with title "` + appleScriptQuote(n.Title) + `"`
		if n.AgentID != "" {
			script += ` subtitle "` + appleScriptQuote("agent "+n.AgentID) + `"`
		}
		return "osascript", []string{"-e", script}, true
	case "linux":
		st := n.Type.style()
		return "notify-send", []string{
			"--app-name=sdd-orch",
			"--icon=" + st.icon,
			"--urgency=" + st.urgency,
			n.Title, n.Message,
		}, true
	default:
		return "", nil, false
	}
}

func appleScriptQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
