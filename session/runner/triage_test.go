package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/plandoc"
	"github.com/kastheco/prloom/config/planfsm"
	"github.com/kastheco/prloom/review"
	"github.com/kastheco/prloom/review/local"
	"github.com/kastheco/prloom/session"
	"github.com/kastheco/prloom/session/git"
)

// withCR attaches a local review provider and a draft CR to the env.
func withCR(t *testing.T, env *runnerEnv) *local.Provider {
	t.Helper()
	p := local.New(env.repo)
	cr, err := p.CreateDraftCR(context.Background(), env.ps.Branch, "main", "Test plan", "body")
	require.NoError(t, err)
	env.deps.Provider = p
	env.ps.CR = "1"
	require.Equal(t, 1, cr.Number)
	return p
}

func writeTriageResult(t *testing.T, worktree string, res triageResult) {
	t.Helper()
	data, err := json.Marshal(res)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(config.WorktreeResultFile(worktree, "triage"), data, 0o644))
}

func sampleFeedback() review.Feedback {
	return review.Feedback{
		Comments: []review.Comment{{ID: 1, Author: "alice", Body: "please rebase"}},
	}
}

func TestTriagePostsReplyAndCommitsEdits(t *testing.T) {
	env := newRunnerEnv(t, twoTodoPlan)
	p := withCR(t, env)
	env.deps.RunAgent = fakeAgent(func(req session.ExecRequest) int {
		require.Equal(t, config.StageTriage, req.Stage)
		assert.Contains(t, req.Prompt, "please rebase")
		// Queue a follow-up and answer the commenter.
		require.NoError(t, plandoc.AddTodos(env.planFile, []string{"address review comment"}))
		writeTriageResult(t, env.worktree, triageResult{ReplyMarkdown: "On it, queued a follow-up."})
		return 0
	})

	env.deps.Triage(context.Background(), "plan-a", env.ps, sampleFeedback())

	require.False(t, env.ps.Blocked, "lastError: %s", env.ps.LastError)
	assert.Equal(t, planfsm.StatusActive, env.ps.Status)

	f, err := p.FetchFeedback(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, f.Comments, 1)
	assert.Equal(t, "On it, queued a follow-up.", f.Comments[0].Body)

	// The plan edit was committed, so the tree is clean again.
	doc, err := plandoc.ParseFile(env.planFile)
	require.NoError(t, err)
	assert.Equal(t, 3, len(doc.Todos))
	dirty, err := env.deps.worktreeFor(env.ps).IsDirty()
	require.NoError(t, err)
	assert.False(t, dirty)

	// The result file is consumed so a stale result cannot satisfy the next
	// triage run.
	assert.NoFileExists(t, config.WorktreeResultFile(env.worktree, "triage"))
}

func TestTriageRunsFromReviewStatus(t *testing.T) {
	env := newRunnerEnv(t, twoTodoPlan)
	p := withCR(t, env)
	env.ps.Status = planfsm.StatusReview

	var runs int
	env.deps.RunAgent = fakeAgent(func(req session.ExecRequest) int {
		runs++
		require.Equal(t, config.StageTriage, req.Stage)
		writeTriageResult(t, env.worktree, triageResult{ReplyMarkdown: "Looking into it."})
		return 0
	})

	env.deps.Triage(context.Background(), "plan-a", env.ps, sampleFeedback())

	// Feedback on a plan already in review still reaches the triage agent and
	// hands the plan back to active.
	require.False(t, env.ps.Blocked, "lastError: %s", env.ps.LastError)
	assert.Equal(t, 1, runs)
	assert.Equal(t, planfsm.StatusActive, env.ps.Status)

	f, err := p.FetchFeedback(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, f.Comments, 1)
	assert.Equal(t, "Looking into it.", f.Comments[0].Body)
}

func TestTriageRebaseConflictBlocksWithComment(t *testing.T) {
	env := newRunnerEnv(t, twoTodoPlan)
	p := withCR(t, env)

	// Both sides edit the same file so the rebase must conflict.
	require.NoError(t, os.WriteFile(filepath.Join(env.repo, "README.md"), []byte("# base edit\n"), 0o644))
	base := git.NewWorktree(env.repo, env.repo, "main", "main")
	_, err := base.CommitAll("base edit")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(env.worktree, "README.md"), []byte("# plan edit\n"), 0o644))
	_, err = env.deps.worktreeFor(env.ps).CommitAll("plan edit")
	require.NoError(t, err)

	env.deps.RunAgent = fakeAgent(func(session.ExecRequest) int {
		writeTriageResult(t, env.worktree, triageResult{Rebase: true})
		return 0
	})

	env.deps.Triage(context.Background(), "plan-a", env.ps, sampleFeedback())

	require.True(t, env.ps.Blocked)
	assert.Contains(t, env.ps.LastError, "Rebase conflict:")
	assert.Contains(t, env.ps.LastError, "README.md")
	assert.Equal(t, planfsm.StatusActive, env.ps.Status)

	f, err := p.FetchFeedback(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, f.Comments, 1)
	assert.Contains(t, f.Comments[0].Body, "git rebase --continue")
	assert.Contains(t, f.Comments[0].Body, "prloom unpause plan-a")

	// The conflicted rebase was aborted, leaving the tree usable.
	dirty, err := env.deps.worktreeFor(env.ps).IsDirty()
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestTriageMissingResultBlocks(t *testing.T) {
	env := newRunnerEnv(t, twoTodoPlan)
	p := withCR(t, env)
	env.deps.RunAgent = fakeAgent(func(session.ExecRequest) int { return 0 })

	env.deps.Triage(context.Background(), "plan-a", env.ps, sampleFeedback())

	require.True(t, env.ps.Blocked)
	assert.Contains(t, env.ps.LastError, "Triage failed:")
	assert.Equal(t, planfsm.StatusActive, env.ps.Status)

	f, err := p.FetchFeedback(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, f.Comments, 1)
	assert.Contains(t, f.Comments[0].Body, "Attention needed")
}

func TestTriageAgentFailureBlocks(t *testing.T) {
	env := newRunnerEnv(t, twoTodoPlan)
	withCR(t, env)
	env.deps.RunAgent = fakeAgent(func(session.ExecRequest) int { return 2 })

	env.deps.Triage(context.Background(), "plan-a", env.ps, sampleFeedback())

	require.True(t, env.ps.Blocked)
	assert.Contains(t, env.ps.LastError, "exited non-zero")
	assert.Equal(t, planfsm.StatusActive, env.ps.Status)
}
