package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/review"
	"github.com/kastheco/prloom/session/git"
)

// errUnhealthy is returned when health < 100% to signal exit code 1 without printing a message.
var errUnhealthy = errors.New("unhealthy")

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Audit the environment the dispatcher needs",
		Long: `Checks everything a dispatcher run depends on:

  1. Tooling     (git, tmux for --tmux runs)
  2. Repository  (current directory is a git repo, config parses)
  3. Agents      (every configured agent command resolves on PATH)
  4. Review      (the configured provider is registered)

Exit code 0 if 100% healthy, exit code 1 otherwise.`,
		RunE: runCheck,
		// Suppress usage on error; health failures are not usage errors.
		SilenceUsage: true,
		// Suppress cobra's "Error: ..." line for the unhealthy sentinel.
		SilenceErrors: true,
	}
}

// checkEntry is one line of the audit. Optional entries count as skipped
// rather than failing when missing.
type checkEntry struct {
	name     string
	ok       bool
	optional bool
	detail   string
}

func runCheck(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	entries := collectChecks()

	ok, total := 0, 0
	for _, e := range entries {
		glyph := "✓"
		switch {
		case e.ok:
			ok++
			total++
		case e.optional:
			glyph = "⊘"
		default:
			glyph = "✗"
			total++
		}
		detail := ""
		if e.detail != "" {
			detail = "  " + e.detail
		}
		fmt.Fprintf(out, "  %s %-24s%s\n", glyph, e.name, detail)
	}

	pct := 0
	if total > 0 {
		pct = ok * 100 / total
	}
	fmt.Fprintf(out, "\nHealth: %d/%d OK (%d%%)\n", ok, total, pct)

	if pct < 100 {
		return errUnhealthy
	}
	return nil
}

func collectChecks() []checkEntry {
	entries := []checkEntry{binaryCheck("git", false)}

	cwd, err := os.Getwd()
	if err != nil {
		return append(entries, checkEntry{name: "git repository", detail: err.Error()})
	}
	repoOK := git.IsRepo(cwd)
	entries = append(entries, checkEntry{name: "git repository", ok: repoOK, detail: cwd})

	var cfg *config.Config
	if repoOK {
		c, err := config.LoadConfig(cwd)
		if err != nil {
			entries = append(entries, checkEntry{name: "config", detail: err.Error()})
		} else {
			cfg = c
			entries = append(entries, checkEntry{name: "config", ok: true})
		}
	}

	if cfg != nil {
		if _, err := review.NewProvider(cfg.Review.Provider, cwd); err != nil {
			entries = append(entries, checkEntry{name: "review provider", detail: err.Error()})
		} else {
			entries = append(entries, checkEntry{name: "review provider", ok: true, detail: cfg.Review.Provider})
		}
		for _, agent := range agentCommands(cfg) {
			entries = append(entries, agentCheck(agent))
		}
	}

	// tmux only matters for --tmux runs.
	entries = append(entries, binaryCheck("tmux", true))
	return entries
}

// agentCommands collects every distinct agent command the config can launch.
func agentCommands(cfg *config.Config) []string {
	set := map[string]bool{cfg.DefaultAgent(""): true}
	if cfg.CommitReview.Agent != "" {
		set[cfg.CommitReview.Agent] = true
	}
	for _, p := range cfg.Presets {
		if p.Agent != "" {
			set[p.Agent] = true
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// agentCheck verifies the agent command's binary resolves on PATH. Commands
// with a "script:" scheme check the script path instead.
func agentCheck(command string) checkEntry {
	program := strings.TrimPrefix(command, "script:")
	fields := strings.Fields(program)
	name := "agent " + command
	if len(fields) == 0 {
		return checkEntry{name: name, detail: "empty command"}
	}
	path, err := exec.LookPath(fields[0])
	if err != nil {
		return checkEntry{name: name, detail: fields[0] + " not on PATH"}
	}
	return checkEntry{name: name, ok: true, detail: path}
}

func binaryCheck(binary string, optional bool) checkEntry {
	path, err := exec.LookPath(binary)
	if err != nil {
		return checkEntry{name: binary, optional: optional, detail: "not on PATH"}
	}
	return checkEntry{name: binary, ok: true, optional: optional, detail: path}
}

func init() {
	rootCmd.AddCommand(newCheckCmd())
}
