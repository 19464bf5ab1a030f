package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastheco/prloom/bus"
	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/plandoc"
	"github.com/kastheco/prloom/config/planfsm"
	"github.com/kastheco/prloom/config/planstate"
)

func newCoreBridge(t *testing.T) (*CoreBridge, *planstate.State, config.Paths) {
	t.Helper()
	paths := config.Paths{RepoRoot: t.TempDir()}
	state := planstate.NewState()
	return &CoreBridge{Paths: paths, State: func() *planstate.State { return state }}, state, paths
}

func upsertAction(t *testing.T, payload UpsertPlanPayload) bus.Action {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return bus.Action{ID: "act-1", Type: bus.ActionUpsertPlan, Target: CoreName, Payload: raw}
}

func TestCore_CreatesInboxPlan(t *testing.T) {
	c, _, paths := newCoreBridge(t)
	res := c.Deliver(context.Background(), upsertAction(t, UpsertPlanPayload{
		Source:   planstate.Source{System: "github", Kind: "issue", ID: "7"},
		Title:    "Fix login flow",
		Markdown: "# Fix login flow\n\n## Objective\nMake login work.\n",
		Todos:    []string{"Reproduce", "Fix", "Test"},
		Status:   planfsm.StatusQueued,
	}))
	require.True(t, res.Success, "deliver: %v", res.Err)
	assert.Contains(t, string(res.Receipt), "fix-login-flow")

	entries, err := planstate.ListInbox(paths)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fix-login-flow", entries[0].ID)
	assert.Equal(t, planfsm.StatusQueued, entries[0].Meta.Status)
	require.NotNil(t, entries[0].Meta.Source)
	assert.Equal(t, "7", entries[0].Meta.Source.ID)

	doc, err := plandoc.ParseFile(entries[0].PlanFile)
	require.NoError(t, err)
	assert.Len(t, doc.Todos, 3)
}

func TestCore_UpsertIsKeyedBySource(t *testing.T) {
	c, _, paths := newCoreBridge(t)
	src := planstate.Source{System: "github", Kind: "issue", ID: "7"}

	res := c.Deliver(context.Background(), upsertAction(t, UpsertPlanPayload{Source: src, Title: "First", Markdown: "# First\n"}))
	require.True(t, res.Success)

	// Same source: updates in place instead of creating a duplicate.
	res = c.Deliver(context.Background(), upsertAction(t, UpsertPlanPayload{Source: src, Title: "First", Markdown: "# First v2\n"}))
	require.True(t, res.Success)

	entries, err := planstate.ListInbox(paths)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(entries[0].PlanFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "v2")
}

func TestCore_SlugCollisionSuffix(t *testing.T) {
	c, _, paths := newCoreBridge(t)

	res := c.Deliver(context.Background(), upsertAction(t, UpsertPlanPayload{
		Source: planstate.Source{System: "github", Kind: "issue", ID: "1"}, Title: "Same Name"}))
	require.True(t, res.Success)
	res = c.Deliver(context.Background(), upsertAction(t, UpsertPlanPayload{
		Source: planstate.Source{System: "github", Kind: "issue", ID: "2"}, Title: "Same Name"}))
	require.True(t, res.Success)

	entries, err := planstate.ListInbox(paths)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "same-name", entries[0].ID)
	assert.Equal(t, "same-name-2", entries[1].ID)
}

func TestCore_UpdatesActivePlanTodos(t *testing.T) {
	c, state, _ := newCoreBridge(t)
	src := planstate.Source{System: "slack", Kind: "thread", ID: "T9"}

	worktree := t.TempDir()
	require.NoError(t, os.MkdirAll(config.WorktreeLocalDir(worktree), 0o755))
	planFile := config.WorktreePlanFile(worktree)
	require.NoError(t, os.WriteFile(planFile, []byte("# p\n\n- [x] done already\n"), 0o644))

	entry := planstate.NewEntry(planfsm.StatusActive)
	entry.Worktree = worktree
	entry.Source = &src
	state.Plans["p"] = entry

	res := c.Deliver(context.Background(), upsertAction(t, UpsertPlanPayload{Source: src, Todos: []string{"follow-up"}}))
	require.True(t, res.Success, "deliver: %v", res.Err)

	doc, err := plandoc.ParseFile(planFile)
	require.NoError(t, err)
	require.Len(t, doc.Todos, 2)
	assert.Equal(t, "follow-up", doc.Todos[1].Text)
}

func TestCore_RejectsWrongActionType(t *testing.T) {
	c, _, _ := newCoreBridge(t)
	res := c.Deliver(context.Background(), bus.Action{ID: "x", Type: bus.ActionComment})
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
	assert.Error(t, res.Err)
}

func TestCore_RequiresSource(t *testing.T) {
	c, _, _ := newCoreBridge(t)
	res := c.Deliver(context.Background(), upsertAction(t, UpsertPlanPayload{Title: "no source"}))
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}

func TestCore_FallbackIDFromSource(t *testing.T) {
	c, _, paths := newCoreBridge(t)
	res := c.Deliver(context.Background(), upsertAction(t, UpsertPlanPayload{
		Source: planstate.Source{System: "github", Kind: "issue", ID: "42"}}))
	require.True(t, res.Success)

	entries, err := planstate.ListInbox(paths)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "github-issue-42", entries[0].ID)
	_, err = os.Stat(filepath.Join(paths.InboxDir(), "github-issue-42.md"))
	assert.NoError(t, err)
}
