package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/session/tmux"
)

// deadGrace is how long we keep waiting for a sentinel after the process is
// observed dead. Covers the window between the agent exiting and the shell
// wrapper writing the exit code.
const deadGrace = 3 * time.Second

// Handle observes one launched agent until completion.
type Handle struct {
	PlanID string
	Stage  string

	pid      int
	tmuxSess *tmux.Session
	sentinel string

	sync     bool
	syncCode int
}

// NewHandle builds the observer for an ExecResult.
func NewHandle(req ExecRequest, res ExecResult) *Handle {
	h := &Handle{
		PlanID:   req.PlanID,
		Stage:    req.Stage,
		sentinel: filepath.Join(config.ScratchDir(req.PlanID), req.Stage+".exitcode"),
	}
	switch {
	case res.Synchronous:
		h.sync = true
		h.syncCode = res.ExitCode
	case res.TmuxSession != "":
		h.tmuxSess = tmux.NewSession(res.TmuxSession, h.sentinel)
	default:
		h.pid = res.PID
	}
	return h
}

// ID returns a human-readable identifier for state bookkeeping.
func (h *Handle) ID() string {
	switch {
	case h.sync:
		return "sync"
	case h.tmuxSess != nil:
		return "tmux:" + h.tmuxSess.Name()
	default:
		return fmt.Sprintf("pid:%d", h.pid)
	}
}

// Wait polls until the agent finishes and returns its exit code. The poll
// period is 1 s; ctx cancellation abandons the wait without killing the
// child.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	if h.sync {
		return h.syncCode, nil
	}

	var diedAt time.Time
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if code, ok := readSentinel(h.sentinel); ok {
			return code, nil
		}
		if !h.alive() {
			if diedAt.IsZero() {
				diedAt = time.Now()
			} else if time.Since(diedAt) > deadGrace {
				// Process gone and no exit code written: the wrapper itself
				// was killed. Treat as failure.
				return 1, nil
			}
		} else {
			diedAt = time.Time{}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// alive reports whether the observed process or tmux session still runs.
func (h *Handle) alive() bool {
	if h.tmuxSess != nil {
		return h.tmuxSess.Exists()
	}
	if h.pid <= 0 {
		return false
	}
	return syscall.Kill(h.pid, 0) == nil
}

// LogTail returns the last n lines of the stage log.
func (h *Handle) LogTail(n int) string {
	data, err := os.ReadFile(filepath.Join(config.ScratchDir(h.PlanID), h.Stage+".log"))
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// readSentinel parses the exit-code sentinel. Empty or garbage content means
// the write is still in flight.
func readSentinel(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return code, true
}

// spawnDetached starts a shell command in its own session so it survives the
// dispatcher and never receives its signals. Output goes to logFile, the
// exit code to sentinel.
func spawnDetached(_ context.Context, cwd, command, logFile, sentinel string) (int, error) {
	_ = os.Remove(sentinel)
	wrapped := fmt.Sprintf("{ %s; } > %s 2>&1; echo $? > %s",
		command, tmux.EscapeSingleQuote(logFile), tmux.EscapeSingleQuote(sentinel))
	cmd := exec.Command("sh", "-c", wrapped)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "PRLOOM_MANAGED=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn agent: %w", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }() // reap so the wrapper never zombies
	return pid, nil
}
