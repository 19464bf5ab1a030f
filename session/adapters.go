package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/session/tmux"
)

func init() {
	RegisterAdapter("claude", func(command string) (AgentAdapter, error) {
		return &claudeAdapter{program: command}, nil
	})
	RegisterAdapter("opencode", func(command string) (AgentAdapter, error) {
		return &opencodeAdapter{program: command}, nil
	})
	RegisterAdapter("script", func(command string) (AgentAdapter, error) {
		program := strings.TrimPrefix(command, "script:")
		if program == "" {
			return nil, fmt.Errorf("script adapter needs a command")
		}
		return &scriptAdapter{program: program}, nil
	})
}

// stageFiles lays out the scratch files for one stage run.
type stageFiles struct {
	prompt   string
	logFile  string
	sentinel string
}

func filesFor(req ExecRequest) (stageFiles, error) {
	scratch := config.ScratchDir(req.PlanID)
	prompt, err := tmux.WritePromptFile(scratch, req.Prompt)
	if err != nil {
		return stageFiles{}, err
	}
	return stageFiles{
		prompt:   prompt,
		logFile:  filepath.Join(scratch, req.Stage+".log"),
		sentinel: filepath.Join(scratch, req.Stage+".exitcode"),
	}, nil
}

// claudeAdapter runs Claude Code in headless print mode. The prompt always
// travels by file to stay clear of argument-length limits.
type claudeAdapter struct {
	program string
}

func (a *claudeAdapter) Name() string { return "claude" }

func (a *claudeAdapter) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	files, err := filesFor(req)
	if err != nil {
		return ExecResult{}, err
	}
	command := a.program + " -p --dangerously-skip-permissions"
	if req.Model != "" {
		command += " --model " + tmux.EscapeSingleQuote(req.Model)
	}
	command += " < " + tmux.EscapeSingleQuote(files.prompt)
	return launch(ctx, req, command, files)
}

// opencodeAdapter runs opencode's non-interactive run mode.
type opencodeAdapter struct {
	program string
}

func (a *opencodeAdapter) Name() string { return "opencode" }

func (a *opencodeAdapter) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	files, err := filesFor(req)
	if err != nil {
		return ExecResult{}, err
	}
	command := a.program + " run"
	if req.Model != "" {
		command += " --model " + tmux.EscapeSingleQuote(req.Model)
	}
	command += " < " + tmux.EscapeSingleQuote(files.prompt)
	return launch(ctx, req, command, files)
}

// scriptAdapter runs an arbitrary user command. The prompt file path arrives
// as $1 and PRLOOM_PROMPT; useful for tests and exotic agents.
type scriptAdapter struct {
	program string
}

func (a *scriptAdapter) Name() string { return "script" }

func (a *scriptAdapter) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	files, err := filesFor(req)
	if err != nil {
		return ExecResult{}, err
	}
	command := fmt.Sprintf("PRLOOM_PROMPT=%s %s %s",
		tmux.EscapeSingleQuote(files.prompt), a.program, tmux.EscapeSingleQuote(files.prompt))
	return launch(ctx, req, command, files)
}

// launch starts the composed shell command either in a tmux session or as a
// detached background process. Both paths report completion through the
// stage's exit-code sentinel.
func launch(ctx context.Context, req ExecRequest, command string, files stageFiles) (ExecResult, error) {
	if req.Tmux {
		name := tmux.SessionName(req.PlanID, req.Stage)
		sess := tmux.NewSession(name, files.sentinel)
		pipeLog := fmt.Sprintf("{ %s; } 2>&1 | tee %s", command, tmux.EscapeSingleQuote(files.logFile))
		if err := sess.Start(req.Cwd, pipeLog, map[string]string{"PRLOOM_MANAGED": "1"}); err != nil {
			return ExecResult{}, err
		}
		return ExecResult{TmuxSession: name}, nil
	}
	pid, err := spawnDetached(ctx, req.Cwd, command, files.logFile, files.sentinel)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{PID: pid}, nil
}
