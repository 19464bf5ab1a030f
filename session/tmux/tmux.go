// Package tmux wraps detached tmux sessions used for observable agent runs.
// The dispatcher never attaches; it polls an exit-code sentinel file the
// wrapped command writes when it finishes, and captures pane content for log
// tails. A user can attach manually at any time to watch the agent.
package tmux

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/kastheco/prloom/log"
)

// Prefix namespaces every session the dispatcher creates.
const Prefix = "prloom_"

var whiteSpaceRe = regexp.MustCompile(`\s+`)

// SessionName derives the tmux session name for a plan stage.
// ("auth refactor", "worker") → "prloom_authrefactor_worker"
func SessionName(planID, stage string) string {
	name := whiteSpaceRe.ReplaceAllString(planID, "")
	name = strings.ReplaceAll(name, ".", "_") // tmux rewrites dots itself
	return Prefix + name + "_" + stage
}

// Session is a handle on one detached tmux session.
type Session struct {
	name     string
	sentinel string
}

// NewSession constructs a handle. sentinel is the file the wrapped command
// writes its exit code to; it must live outside the repository.
func NewSession(name, sentinel string) *Session {
	return &Session{name: name, sentinel: sentinel}
}

// Name returns the tmux session name.
func (s *Session) Name() string { return s.name }

// Start launches command inside a new detached session rooted at cwd. The
// command is wrapped so its exit code lands in the sentinel file; Done polls
// that file. An existing session with the same name is reused so a restarted
// dispatcher reattaches to a still-running agent.
func (s *Session) Start(cwd, command string, env map[string]string) error {
	if s.Exists() {
		log.InfoLog.Printf("tmux session %s already running, reattaching", s.name)
		return nil
	}
	_ = os.Remove(s.sentinel)

	var prefix strings.Builder
	for k, v := range env {
		prefix.WriteString(k + "=" + EscapeSingleQuote(v) + " ")
	}
	wrapped := fmt.Sprintf("%s%s; echo $? > %s", prefix.String(), command, EscapeSingleQuote(s.sentinel))

	cmd := exec.Command("tmux", "new-session", "-d", "-s", s.name, "-c", cwd, wrapped)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session %s: %s (%w)", s.name, strings.TrimSpace(string(out)), err)
	}

	// Scrollback for humans who attach to watch.
	if out, err := exec.Command("tmux", "set-option", "-t", s.name, "history-limit", "10000").CombinedOutput(); err != nil {
		log.InfoLog.Printf("set history-limit for %s: %s (%v)", s.name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Exists reports whether the session is alive. "-t=" forces an exact match;
// a bare "-t name" does prefix matching, which is wrong here.
func (s *Session) Exists() bool {
	return exec.Command("tmux", "has-session", fmt.Sprintf("-t=%s", s.name)).Run() == nil
}

// Done reports whether the wrapped command finished, and with what exit
// code. The sentinel outlives the session, so a crashed dispatcher can still
// read the result after restart.
func (s *Session) Done() (int, bool) {
	data, err := os.ReadFile(s.sentinel)
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return code, true
}

// CapturePane returns the session's visible pane content plus scrollback.
func (s *Session) CapturePane() (string, error) {
	out, err := exec.Command("tmux", "capture-pane", "-t", s.name, "-p", "-S", "-").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("capture pane %s: %w", s.name, err)
	}
	return string(out), nil
}

// Kill terminates the session. Killing an already-dead session is not an
// error.
func (s *Session) Kill() error {
	if !s.Exists() {
		return nil
	}
	if out, err := exec.Command("tmux", "kill-session", "-t", s.name).CombinedOutput(); err != nil {
		return fmt.Errorf("kill session %s: %s (%w)", s.name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// CleanupSessions kills every prloom-prefixed session. Used on uninstall.
func CleanupSessions() error {
	out, err := exec.Command("tmux", "ls").Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil // no server running
		}
		return fmt.Errorf("list tmux sessions: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		idx := strings.Index(line, ":")
		if !strings.HasPrefix(line, Prefix) || idx < 0 {
			continue
		}
		name := line[:idx]
		log.InfoLog.Printf("cleaning up session: %s", name)
		if err := exec.Command("tmux", "kill-session", "-t", name).Run(); err != nil {
			return fmt.Errorf("kill tmux session %s: %w", name, err)
		}
	}
	return nil
}
