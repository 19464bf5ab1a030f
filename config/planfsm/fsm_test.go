package planfsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_ValidTransitions(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
		to    Status
	}{
		{StatusDraft, Activate, StatusQueued},
		{StatusQueued, Ingest, StatusActive},
		{StatusActive, FeedbackArrived, StatusTriaging},
		{StatusTriaging, TriageFinished, StatusActive},
		{StatusActive, AllTodosDone, StatusReview},
		{StatusReview, FeedbackArrived, StatusTriaging},
		{StatusReview, TodoAdded, StatusActive},
		{StatusReview, ReviewStart, StatusReviewing},
		{StatusReviewing, ReviewFinished, StatusActive},
		{StatusActive, Pause, StatusPaused},
		{StatusPaused, Resume, StatusActive},
		{StatusReview, Finish, StatusDone},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"_"+string(tc.event), func(t *testing.T) {
			result, err := ApplyTransition(tc.from, tc.event)
			require.NoError(t, err)
			assert.Equal(t, tc.to, result)
		})
	}
}

func TestTransition_InvalidTransitions(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
	}{
		{StatusDraft, Ingest},           // must be queued first
		{StatusQueued, AllTodosDone},    // no worktree yet
		{StatusActive, ReviewStart},     // review cmd only applies in review
		{StatusTriaging, AllTodosDone},  // triage owns the plan
		{StatusReviewing, ReviewStart},  // already reviewing
		{StatusDone, Activate},          // terminal
		{StatusDone, FeedbackArrived},   // terminal
		{StatusPaused, FeedbackArrived}, // must resume first
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"_"+string(tc.event), func(t *testing.T) {
			_, err := ApplyTransition(tc.from, tc.event)
			assert.Error(t, err)
		})
	}
}

func TestAdvanceable(t *testing.T) {
	assert.True(t, Advanceable(StatusActive, false))
	assert.True(t, Advanceable(StatusReview, false))
	assert.False(t, Advanceable(StatusActive, true)) // blocked latch wins
	assert.False(t, Advanceable(StatusTriaging, false))
	assert.False(t, Advanceable(StatusReviewing, false))
	assert.False(t, Advanceable(StatusPaused, false))
	assert.False(t, Advanceable(StatusDraft, false))
	assert.False(t, Advanceable(StatusQueued, false))
	assert.False(t, Advanceable(StatusDone, false))
}

func TestForwardFromDisk(t *testing.T) {
	assert.True(t, ForwardFromDisk(StatusDraft, StatusQueued))
	assert.False(t, ForwardFromDisk(StatusQueued, StatusDraft))
	assert.False(t, ForwardFromDisk(StatusActive, StatusReview))
	assert.False(t, ForwardFromDisk(StatusReview, StatusActive))
}

func TestInInbox_RunnerBusy(t *testing.T) {
	assert.True(t, InInbox(StatusDraft))
	assert.True(t, InInbox(StatusQueued))
	assert.False(t, InInbox(StatusActive))
	assert.True(t, RunnerBusy(StatusTriaging))
	assert.True(t, RunnerBusy(StatusReviewing))
	assert.False(t, RunnerBusy(StatusReview))
}
