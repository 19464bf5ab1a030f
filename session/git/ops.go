package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RebaseResult reports the outcome of rebasing a plan branch on its base.
type RebaseResult struct {
	Success       bool
	HasConflicts  bool
	ConflictFiles []string
}

// IsDirty reports whether the worktree has uncommitted changes, staged or not.
func (w *Worktree) IsDirty() (bool, error) {
	out, err := runGitCommand(w.worktreePath, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("check worktree status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages every change in the worktree and commits it. Returns
// false without error when there is nothing to commit.
func (w *Worktree) CommitAll(message string) (bool, error) {
	dirty, err := w.IsDirty()
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}
	if _, err := runGitCommand(w.worktreePath, "add", "-A"); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	if _, err := runGitCommand(w.worktreePath, "commit", "-m", message); err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return false, nil
		}
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// CommitEmpty creates a commit with no changes. Used for the seed commit
// that gives a draft CR something to point at.
func (w *Worktree) CommitEmpty(message string) error {
	if _, err := runGitCommand(w.worktreePath, "commit", "--allow-empty", "-m", message); err != nil {
		return fmt.Errorf("empty commit: %w", err)
	}
	return nil
}

// Push pushes the plan branch to origin, setting upstream on first push.
func (w *Worktree) Push() error {
	if _, err := runGitCommand(w.worktreePath, "push", "-u", "origin", w.branchName); err != nil {
		return fmt.Errorf("push %s: %w", w.branchName, err)
	}
	return nil
}

// ForcePush force-pushes after a rebase rewrote history.
func (w *Worktree) ForcePush() error {
	if _, err := runGitCommand(w.worktreePath, "push", "--force-with-lease", "origin", w.branchName); err != nil {
		return fmt.Errorf("force push %s: %w", w.branchName, err)
	}
	return nil
}

// HeadSHA returns the worktree's current commit hash.
func (w *Worktree) HeadSHA() (string, error) {
	out, err := runGitCommand(w.worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RebaseOnBase rebases the plan branch on the base branch. On conflict the
// rebase is aborted so the tree is left clean, and the conflicting files are
// reported so triage can surface them.
func (w *Worktree) RebaseOnBase() (RebaseResult, error) {
	base := w.baseBranch
	if base == "" {
		base = "main"
	}
	_, err := runGitCommand(w.worktreePath, "rebase", base)
	if err == nil {
		return RebaseResult{Success: true}, nil
	}
	if !strings.Contains(err.Error(), "CONFLICT") && !strings.Contains(err.Error(), "could not apply") {
		return RebaseResult{}, err
	}

	files := conflictFiles(w.worktreePath)
	if _, abortErr := runGitCommand(w.worktreePath, "rebase", "--abort"); abortErr != nil {
		return RebaseResult{HasConflicts: true, ConflictFiles: files},
			fmt.Errorf("abort conflicted rebase: %w", abortErr)
	}
	return RebaseResult{HasConflicts: true, ConflictFiles: files}, nil
}

// conflictFiles lists unmerged paths mid-rebase. Best effort.
func conflictFiles(worktree string) []string {
	out, err := runGitCommand(worktree, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}

// StageAndCommitPaths stages the given paths (relative to the worktree) and
// commits them, tolerating a no-op.
func (w *Worktree) StageAndCommitPaths(paths []string, message string) error {
	args := append([]string{"add", "--"}, paths...)
	if _, err := runGitCommand(w.worktreePath, args...); err != nil {
		return fmt.Errorf("stage paths: %w", err)
	}
	if _, err := runGitCommand(w.worktreePath, "commit", "-m", message); err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return nil
		}
		return fmt.Errorf("commit paths: %w", err)
	}
	return nil
}

// InitRepo turns dir into a git repository with an initial commit. Test and
// local-provider helper.
func InitRepo(dir string) error {
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "prloom@localhost"},
		{"config", "user.name", "prloom"},
	} {
		if _, err := runGitCommand(dir, args...); err != nil {
			return err
		}
	}
	readme := filepath.Join(dir, "README.md")
	if _, err := os.Stat(readme); os.IsNotExist(err) {
		if err := os.WriteFile(readme, []byte("# repo\n"), 0o644); err != nil {
			return err
		}
	}
	if _, err := runGitCommand(dir, "add", "-A"); err != nil {
		return err
	}
	if _, err := runGitCommand(dir, "commit", "-m", "initial commit"); err != nil {
		return err
	}
	return nil
}
