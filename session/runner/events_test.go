package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastheco/prloom/bus"
	"github.com/kastheco/prloom/session"
)

func TestDrainEventsBlockedMidWindowKeepsOffset(t *testing.T) {
	env := newRunnerEnv(t, twoTodoPlan)
	withCR(t, env)

	b := bus.ForWorktree(env.worktree)
	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, b.AppendEvent(bus.Event{ID: id, Source: "ci", Type: "failure", Title: "build broke: " + id}))
	}

	var triageRuns int
	failing := true
	env.deps.RunAgent = fakeAgent(func(session.ExecRequest) int {
		triageRuns++
		if failing {
			return 2
		}
		writeTriageResult(t, env.worktree, triageResult{})
		return 0
	})

	now := time.Now()
	env.deps.DrainEvents(context.Background(), "plan-a", env.ps, now)

	// Triage of e1 blocked the plan mid-window; e2 and e3 were never offered,
	// so the offset must stay put and only e1 may count as settled.
	require.True(t, env.ps.Blocked)
	assert.Equal(t, 1, triageRuns)
	ds, err := b.LoadDispatcherState()
	require.NoError(t, err)
	assert.Zero(t, ds.EventsOffset)
	processed := ds.ProcessedSet()
	assert.True(t, processed["e1"])
	assert.False(t, processed["e2"])
	assert.False(t, processed["e3"])

	// Unpause: the remaining window is re-read and each event triaged
	// exactly once.
	env.ps.Blocked = false
	env.ps.LastError = ""
	failing = false
	env.deps.DrainEvents(context.Background(), "plan-a", env.ps, now)

	require.False(t, env.ps.Blocked, "lastError: %s", env.ps.LastError)
	assert.Equal(t, 3, triageRuns)
	ds, err = b.LoadDispatcherState()
	require.NoError(t, err)
	assert.Greater(t, ds.EventsOffset, int64(0))
	processed = ds.ProcessedSet()
	for _, id := range []string{"e1", "e2", "e3"} {
		assert.True(t, processed[id], "event %s should be settled", id)
	}

	// Nothing is re-offered afterwards.
	env.deps.DrainEvents(context.Background(), "plan-a", env.ps, now)
	assert.Equal(t, 3, triageRuns)
}
