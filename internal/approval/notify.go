package approval

import (
	"log/slog"
	"os/exec"
	"runtime"

	"golang.org/x/time/rate"
)

// Notifier emits best-effort OS desktop notifications for interactive
// prompts. Throttled so a burst of approval requests cannot spam the
// desktop; failures are logged and never affect the prompt result.
type Notifier struct {
	limiter *rate.Limiter

	// run is swapped in tests.
	run func(name string, args ...string) error
}

// NewNotifier creates a notifier allowing one notification per 2 seconds
// with a small burst.
func NewNotifier() *Notifier {
	return &Notifier{
		limiter: rate.NewLimiter(rate.Limit(0.5), 3),
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Notify fires the notification asynchronously.
func (n *Notifier) Notify(title string) {
	if !n.limiter.Allow() {
		return
	}
	go func() {
		var err error
		switch runtime.GOOS {
		case "darwin":
			script := `display notification "Approval required" with title "` + escapeAppleScript(title) + `"`
			err = n.run("osascript", "-e", script)
		case "linux":
			err = n.run("notify-send", "--app-name=tau", title, "Approval required")
		default:
			return
		}
		if err != nil {
			slog.Debug("desktop notification failed", "error", err)
		}
	}()
}

func escapeAppleScript(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '"' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
