package config

import (
	"os"
	"path/filepath"
)

// Paths derives every prloom filesystem location from the repository root.
// All paths are deterministic functions of the root and, for per-plan
// locations, the plan id.
type Paths struct {
	RepoRoot string
}

// ControlFile is the append-only command log written by the CLI and consumed
// by the dispatcher.
func (p Paths) ControlFile() string {
	return filepath.Join(p.RepoRoot, ".prloom", "control.jsonl")
}

// LockFile is the exclusive advisory lock held by the running dispatcher.
func (p Paths) LockFile() string {
	return filepath.Join(p.RepoRoot, ".prloom", "repo.lock")
}

// LocalDir is the repo-level prloom scratch root.
func (p Paths) LocalDir() string {
	return filepath.Join(p.RepoRoot, "prloom", ".local")
}

// StateFile is the durable dispatcher state.
func (p Paths) StateFile() string {
	return filepath.Join(p.LocalDir(), "state.json")
}

// InboxDir holds plans not yet activated.
func (p Paths) InboxDir() string {
	return filepath.Join(p.LocalDir(), "inbox")
}

// GlobalBusDir is the repo-scoped bus root.
func (p Paths) GlobalBusDir() string {
	return filepath.Join(p.LocalDir(), "bus")
}

// AuditDB is the sqlite audit trail.
func (p Paths) AuditDB() string {
	return filepath.Join(p.LocalDir(), "audit.db")
}

// WorktreeDir returns the worktree path for a plan id under worktreesDir
// (relative dirs resolve against the repo root).
func (p Paths) WorktreeDir(worktreesDir, planID string) string {
	if !filepath.IsAbs(worktreesDir) {
		worktreesDir = filepath.Join(p.RepoRoot, worktreesDir)
	}
	return filepath.Join(worktreesDir, planID)
}

// Per-worktree locations. These take the worktree path rather than the plan
// id so runners can operate on any checkout handed to them.

// WorktreeLocalDir is the plan-scoped scratch root inside a worktree.
func WorktreeLocalDir(worktree string) string {
	return filepath.Join(worktree, "prloom", ".local")
}

// WorktreePlanFile is the plan markdown copied into the worktree at ingestion.
func WorktreePlanFile(worktree string) string {
	return filepath.Join(WorktreeLocalDir(worktree), "plan.md")
}

// WorktreeStateFile mirrors the plan's PlanState inside its worktree.
func WorktreeStateFile(worktree string) string {
	return filepath.Join(WorktreeLocalDir(worktree), "state.json")
}

// WorktreeBusDir is the per-plan bus root.
func WorktreeBusDir(worktree string) string {
	return filepath.Join(WorktreeLocalDir(worktree), "bus")
}

// WorktreeResultFile is where a triage/review sub-agent writes its result.
func WorktreeResultFile(worktree, runner string) string {
	return filepath.Join(WorktreeLocalDir(worktree), runner+"-result.json")
}

// WorktreeErrorsFile is the per-worktree fatal error log.
func WorktreeErrorsFile(worktree string) string {
	return filepath.Join(WorktreeLocalDir(worktree), "errors.jsonl")
}

// ScratchDir is the per-plan scratch outside the repository (subprocess logs,
// prompts, exit-code sentinels).
func ScratchDir(planID string) string {
	return filepath.Join(os.TempDir(), "prloom-"+planID)
}
