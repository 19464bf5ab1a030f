// Package git manages the per-plan branches and worktrees the dispatcher
// runs agents in. Branch bookkeeping goes through go-git; worktree and
// history-rewriting operations shell out to the git CLI, which go-git does
// not cover.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kastheco/prloom/log"
)

// Worktree is one plan's checkout: a dedicated branch cut from the base
// branch, checked out in its own directory.
type Worktree struct {
	repoPath     string
	worktreePath string
	branchName   string
	baseBranch   string
}

// NewWorktree constructs a handle without touching the filesystem.
func NewWorktree(repoPath, worktreePath, branchName, baseBranch string) *Worktree {
	return &Worktree{
		repoPath:     repoPath,
		worktreePath: worktreePath,
		branchName:   branchName,
		baseBranch:   baseBranch,
	}
}

// Path returns the worktree's checkout directory.
func (w *Worktree) Path() string { return w.worktreePath }

// Branch returns the plan branch name.
func (w *Worktree) Branch() string { return w.branchName }

// runGitCommand executes git in dir and returns combined output.
func runGitCommand(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s (%w)", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// Setup creates the branch and worktree. An existing branch is reused so a
// restarted dispatcher reattaches instead of clobbering agent work.
func (w *Worktree) Setup() error {
	if err := os.MkdirAll(filepath.Dir(w.worktreePath), 0o755); err != nil {
		return fmt.Errorf("create worktrees dir: %w", err)
	}

	repo, err := gogit.PlainOpen(w.repoPath)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(w.branchName)
	_, refErr := repo.Reference(branchRef, false)
	branchExists := refErr == nil

	// Stale checkout from a crashed run.
	_, _ = runGitCommand(w.repoPath, "worktree", "remove", "-f", w.worktreePath)

	if branchExists {
		if _, err := runGitCommand(w.repoPath, "worktree", "add", w.worktreePath, w.branchName); err != nil {
			return fmt.Errorf("attach worktree to branch %s: %w", w.branchName, err)
		}
		return nil
	}

	base := w.baseBranch
	if base == "" {
		base = "HEAD"
	}
	if _, err := runGitCommand(w.repoPath, "worktree", "add", "-b", w.branchName, w.worktreePath, base); err != nil {
		if strings.Contains(err.Error(), "not a valid object name") {
			return fmt.Errorf("base branch %q has no commits: create an initial commit first", base)
		}
		return fmt.Errorf("create worktree from %s: %w", base, err)
	}
	return nil
}

// Remove removes the worktree but keeps the branch.
func (w *Worktree) Remove() error {
	if _, err := runGitCommand(w.repoPath, "worktree", "remove", "-f", w.worktreePath); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// Cleanup removes the worktree and deletes its branch.
func (w *Worktree) Cleanup() error {
	var errs []error

	if _, err := os.Stat(w.worktreePath); err == nil {
		if _, err := runGitCommand(w.repoPath, "worktree", "remove", "-f", w.worktreePath); err != nil {
			errs = append(errs, err)
		}
	} else if !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("stat worktree path: %w", err))
	}

	repo, err := gogit.PlainOpen(w.repoPath)
	if err != nil {
		errs = append(errs, fmt.Errorf("open repository for cleanup: %w", err))
		return errors.Join(errs...)
	}

	branchRef := plumbing.NewBranchReferenceName(w.branchName)
	if _, err := repo.Reference(branchRef, false); err == nil {
		if err := repo.Storer.RemoveReference(branchRef); err != nil {
			errs = append(errs, fmt.Errorf("remove branch %s: %w", w.branchName, err))
		}
	} else if err != plumbing.ErrReferenceNotFound {
		errs = append(errs, fmt.Errorf("check branch %s: %w", w.branchName, err))
	}

	if err := w.Prune(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Prune removes stale worktree administrative files.
func (w *Worktree) Prune() error {
	if _, err := runGitCommand(w.repoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// CleanupAll removes every worktree under worktreesDir and deletes the plan
// branches they held. Used by the uninstall path.
func CleanupAll(ctx context.Context, repoPath, worktreesDir string) error {
	entries, err := os.ReadDir(worktreesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read worktrees dir: %w", err)
	}

	output, err := runGitCommand(repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return fmt.Errorf("list worktrees: %w", err)
	}
	branches := make(map[string]string)
	current := ""
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			current = strings.TrimPrefix(line, "worktree ")
		} else if strings.HasPrefix(line, "branch ") && current != "" {
			branches[current] = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(worktreesDir, entry.Name())
		if _, err := runGitCommand(repoPath, "worktree", "remove", "-f", path); err != nil {
			log.WarningLog.Printf("worktree remove failed for %s, falling back to os.RemoveAll: %v", path, err)
			if rmErr := os.RemoveAll(path); rmErr != nil {
				log.ErrorLog.Printf("remove worktree path %s: %v", path, rmErr)
			}
		}
		for wtPath, branch := range branches {
			if strings.Contains(wtPath, entry.Name()) {
				if _, err := runGitCommand(repoPath, "branch", "-D", branch); err != nil {
					log.ErrorLog.Printf("delete branch %s: %v", branch, err)
				}
				break
			}
		}
	}

	if _, err := runGitCommand(repoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}
