// Package notify provides desktop notification support for job failures.
package notify

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mgriffin/sphered/internal/model"
)

// JobFailed sends a desktop notification for a failed or unstartable job.
// Errors are returned for logging only; notification is best-effort.
func JobFailed(result model.JobResult) error {
	name := filepath.Base(result.Path)
	var message string
	switch result.Status {
	case model.StatusStartFailure:
		message = fmt.Sprintf("pipeline could not start for %s", name)
	default:
		message = fmt.Sprintf("pipeline exited %d for %s", result.ExitCode, name)
	}
	return Send("sphered", message)
}

// Send sends a macOS notification via osascript with sound.
func Send(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
