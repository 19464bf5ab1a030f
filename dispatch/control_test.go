package dispatch

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/auditlog"
	"github.com/kastheco/prloom/config/planfsm"
	"github.com/kastheco/prloom/config/planstate"
)

func TestAppendAndReadCommands(t *testing.T) {
	paths := config.Paths{RepoRoot: t.TempDir()}

	require.NoError(t, AppendCommand(paths, CmdStop, "plan-a"))
	require.NoError(t, AppendCommand(paths, CmdPoll, "plan-b"))

	cmds, offset, err := readCommands(paths.ControlFile(), 0)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, CmdStop, cmds[0].Type)
	assert.Equal(t, "plan-a", cmds[0].PlanID)
	assert.Equal(t, CmdPoll, cmds[1].Type)
	assert.Greater(t, offset, int64(0))

	// Nothing new past the cursor.
	cmds, again, err := readCommands(paths.ControlFile(), offset)
	require.NoError(t, err)
	assert.Empty(t, cmds)
	assert.Equal(t, offset, again)

	// Appending moves the window forward by exactly one command.
	require.NoError(t, AppendCommand(paths, CmdUnpause, "plan-a"))
	cmds, _, err = readCommands(paths.ControlFile(), offset)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, CmdUnpause, cmds[0].Type)
}

func TestReadCommandsLeavesPartialLine(t *testing.T) {
	paths := config.Paths{RepoRoot: t.TempDir()}
	require.NoError(t, AppendCommand(paths, CmdStop, "plan-a"))

	// A producer mid-write: no trailing newline yet.
	f, err := os.OpenFile(paths.ControlFile(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"poll","plan_id":"pl`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cmds, offset, err := readCommands(paths.ControlFile(), 0)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, CmdStop, cmds[0].Type)

	// Complete the line; only the finished command shows up.
	f, err = os.OpenFile(paths.ControlFile(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("an-b\",\"ts\":\"2026-03-01T00:00:00Z\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cmds, _, err = readCommands(paths.ControlFile(), offset)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, CmdPoll, cmds[0].Type)
	assert.Equal(t, "plan-b", cmds[0].PlanID)
}

func controlDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return &Dispatcher{
		Cfg:   config.DefaultConfig(),
		Paths: config.Paths{RepoRoot: t.TempDir()},
		State: planstate.NewState(),
		Audit: auditlog.NopLogger(),
	}
}

func TestControlCommandsMutatePlanState(t *testing.T) {
	d := controlDispatcher(t)
	ps := planstate.NewEntry(planfsm.StatusActive)
	ps.LastPolledAt = time.Now()
	d.State.Plans["plan-a"] = ps

	require.NoError(t, AppendCommand(d.Paths, CmdStop, "plan-a"))
	d.drainControl()
	assert.True(t, ps.Blocked)

	ps.TodoRetryCount = 2
	ps.LastError = "boom"
	require.NoError(t, AppendCommand(d.Paths, CmdUnpause, "plan-a"))
	d.drainControl()
	assert.False(t, ps.Blocked)
	assert.Zero(t, ps.TodoRetryCount)
	assert.Empty(t, ps.LastError)

	require.NoError(t, AppendCommand(d.Paths, CmdPoll, "plan-a"))
	d.drainControl()
	assert.True(t, ps.PollOnce)

	require.NoError(t, AppendCommand(d.Paths, CmdLaunchPoll, "plan-a"))
	d.drainControl()
	assert.True(t, ps.LastPolledAt.IsZero())

	// review only arms in review status.
	require.NoError(t, AppendCommand(d.Paths, CmdReview, "plan-a"))
	d.drainControl()
	assert.False(t, ps.PendingReview)

	ps.Status = planfsm.StatusReview
	require.NoError(t, AppendCommand(d.Paths, CmdReview, "plan-a"))
	d.drainControl()
	assert.True(t, ps.PendingReview)
}

func TestUnpauseResumesPausedPlan(t *testing.T) {
	d := controlDispatcher(t)
	ps := planstate.NewEntry(planfsm.StatusPaused)
	ps.LastError = "Paused for manual resume"
	d.State.Plans["plan-a"] = ps

	require.NoError(t, AppendCommand(d.Paths, CmdUnpause, "plan-a"))
	d.drainControl()
	assert.Equal(t, planfsm.StatusActive, ps.Status)
	assert.Empty(t, ps.LastError)
}

func TestActivatePromotesInboxPlan(t *testing.T) {
	d := controlDispatcher(t)
	require.NoError(t, os.MkdirAll(d.Paths.InboxDir(), 0o755))
	require.NoError(t, os.WriteFile(d.Paths.InboxDir()+"/fix-auth.md", []byte("# Fix auth\n\n- [ ] do it\n"), 0o644))
	require.NoError(t, planstate.WriteInboxMeta(d.Paths, "fix-auth", planstate.InboxMeta{Status: planfsm.StatusDraft}))

	require.NoError(t, AppendCommand(d.Paths, CmdActivate, "fix-auth"))
	d.drainControl()

	entries, err := planstate.ListInbox(d.Paths)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, planfsm.StatusQueued, entries[0].Meta.Status)

	// Commands never apply twice: the cursor moved past them.
	entries[0].Meta.Status = planfsm.StatusDraft
	require.NoError(t, planstate.WriteInboxMeta(d.Paths, "fix-auth", entries[0].Meta))
	d.drainControl()
	entries, err = planstate.ListInbox(d.Paths)
	require.NoError(t, err)
	assert.Equal(t, planfsm.StatusDraft, entries[0].Meta.Status)
}
