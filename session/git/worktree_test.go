package git

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, InitRepo(dir))
	return dir
}

func TestWorktreeSetupAndCommit(t *testing.T) {
	repo := newTestRepo(t)
	wtPath := filepath.Join(t.TempDir(), "plan-a")

	w := NewWorktree(repo, wtPath, "plan/plan-a", "main")
	require.NoError(t, w.Setup())
	t.Cleanup(func() { _ = w.Cleanup() })

	assert.DirExists(t, wtPath)
	assert.True(t, BranchExists(repo, "plan/plan-a"))

	// Nothing to commit yet.
	committed, err := w.CommitAll("empty pass")
	require.NoError(t, err)
	assert.False(t, committed)

	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "work.txt"), []byte("done\n"), 0o644))
	committed, err = w.CommitAll("first todo")
	require.NoError(t, err)
	assert.True(t, committed)

	sha, err := w.HeadSHA()
	require.NoError(t, err)
	assert.Len(t, sha, 40)
}

func TestWorktreeSetupReattachesExistingBranch(t *testing.T) {
	repo := newTestRepo(t)
	wtPath := filepath.Join(t.TempDir(), "plan-a")

	w := NewWorktree(repo, wtPath, "plan/plan-a", "main")
	require.NoError(t, w.Setup())
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "work.txt"), []byte("x\n"), 0o644))
	_, err := w.CommitAll("progress")
	require.NoError(t, err)

	// Simulate a restart: same branch, fresh Setup.
	require.NoError(t, w.Setup())
	assert.FileExists(t, filepath.Join(wtPath, "work.txt"))
	t.Cleanup(func() { _ = w.Cleanup() })
}

func TestCommitEmpty(t *testing.T) {
	repo := newTestRepo(t)
	wtPath := filepath.Join(t.TempDir(), "plan-a")
	w := NewWorktree(repo, wtPath, "plan/plan-a", "main")
	require.NoError(t, w.Setup())
	t.Cleanup(func() { _ = w.Cleanup() })

	before, err := w.HeadSHA()
	require.NoError(t, err)
	require.NoError(t, w.CommitEmpty("[prloom] plan-a: seed"))
	after, err := w.HeadSHA()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestRebaseOnBase(t *testing.T) {
	repo := newTestRepo(t)
	wtPath := filepath.Join(t.TempDir(), "plan-a")
	w := NewWorktree(repo, wtPath, "plan/plan-a", "main")
	require.NoError(t, w.Setup())
	t.Cleanup(func() { _ = w.Cleanup() })

	// Advance main independently.
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.txt"), []byte("base\n"), 0o644))
	_, err := runGitCommand(repo, "add", "-A")
	require.NoError(t, err)
	_, err = runGitCommand(repo, "commit", "-m", "base moves on")
	require.NoError(t, err)

	res, err := w.RebaseOnBase()
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.FileExists(t, filepath.Join(wtPath, "main.txt"))
}

func TestRebaseConflictAbortsCleanly(t *testing.T) {
	repo := newTestRepo(t)
	wtPath := filepath.Join(t.TempDir(), "plan-a")
	w := NewWorktree(repo, wtPath, "plan/plan-a", "main")
	require.NoError(t, w.Setup())
	t.Cleanup(func() { _ = w.Cleanup() })

	// Both sides edit the same file.
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# base edit\n"), 0o644))
	_, err := runGitCommand(repo, "add", "-A")
	require.NoError(t, err)
	_, err = runGitCommand(repo, "commit", "-m", "base edit")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "README.md"), []byte("# plan edit\n"), 0o644))
	_, err = w.CommitAll("plan edit")
	require.NoError(t, err)

	res, err := w.RebaseOnBase()
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.HasConflicts)
	assert.Contains(t, res.ConflictFiles, "README.md")

	// Tree left usable.
	dirty, err := w.IsDirty()
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestPlanBranchCollisionSuffix(t *testing.T) {
	repo := newTestRepo(t)

	name, err := PlanBranch(repo, "auth")
	require.NoError(t, err)
	assert.Equal(t, "plan/auth", name)

	_, err = runGitCommand(repo, "branch", "plan/auth")
	require.NoError(t, err)

	name, err = PlanBranch(repo, "auth")
	require.NoError(t, err)
	assert.Equal(t, "plan/auth-2", name)
}
