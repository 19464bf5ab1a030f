// Package planfsm defines the plan lifecycle state machine.
package planfsm

import "fmt"

// Status represents the lifecycle state of a plan.
type Status string

const (
	StatusDraft     Status = "draft"     // in inbox, designer may still be editing
	StatusQueued    Status = "queued"    // in inbox, eligible for ingestion
	StatusActive    Status = "active"    // worktree + CR exist, worker advancing TODOs
	StatusTriaging  Status = "triaging"  // triage sub-agent running
	StatusReviewing Status = "reviewing" // review sub-agent running
	StatusPaused    Status = "paused"    // waiting for a manual unpause
	StatusReview    Status = "review"    // all TODOs done, CR marked ready
	StatusDone      Status = "done"      // finished; removal follows CR merge/close
)

// Event represents a lifecycle transition trigger.
type Event string

const (
	Activate        Event = "activate"         // activate cmd, or designer finishes
	Ingest          Event = "ingest"           // ingestion completed (worktree + CR)
	FeedbackArrived Event = "feedback_arrived" // new CR feedback to triage
	TriageFinished  Event = "triage_finished"  // triage agent returned
	AllTodosDone    Event = "all_todos_done"   // no unchecked TODOs remain
	TodoAdded       Event = "todo_added"       // worker/hook appended a TODO
	ReviewStart     Event = "review_start"     // review cmd consumed
	ReviewFinished  Event = "review_finished"  // review agent returned
	Pause           Event = "pause"            // commit-review gate requires manual resume
	Resume          Event = "resume"           // unpause cmd
	Finish          Event = "finish"           // review stage approved with nothing left
)

// transitionTable defines all valid state transitions.
// Key: current status → event → new status.
//
// Blocked and PendingReview are orthogonal flags carried on the PlanState,
// not statuses: stop/unpause latch Blocked without moving the machine.
var transitionTable = map[Status]map[Event]Status{
	StatusDraft: {
		Activate: StatusQueued,
	},
	StatusQueued: {
		Ingest: StatusActive,
	},
	StatusActive: {
		FeedbackArrived: StatusTriaging,
		AllTodosDone:    StatusReview,
		Pause:           StatusPaused,
	},
	StatusTriaging: {
		TriageFinished: StatusActive,
	},
	StatusReview: {
		FeedbackArrived: StatusTriaging,
		TodoAdded:       StatusActive,
		ReviewStart:     StatusReviewing,
		Finish:          StatusDone,
	},
	StatusReviewing: {
		ReviewFinished: StatusActive,
	},
	StatusPaused: {
		Resume: StatusActive,
	},
}

// ApplyTransition returns the new status for the given current status and event.
// Returns an error if the transition is not valid.
func ApplyTransition(current Status, event Event) (Status, error) {
	events, ok := transitionTable[current]
	if !ok {
		return "", fmt.Errorf("no transitions defined for status %q", current)
	}
	next, ok := events[event]
	if !ok {
		return "", fmt.Errorf("invalid transition: %q + %q", current, event)
	}
	return next, nil
}

// IsValid returns true if s is a recognised lifecycle status.
func IsValid(s Status) bool {
	switch s {
	case StatusDraft, StatusQueued, StatusActive, StatusTriaging,
		StatusReviewing, StatusPaused, StatusReview, StatusDone:
		return true
	}
	return false
}

// InInbox reports whether the plan has no worktree or branch yet.
func InInbox(s Status) bool {
	return s == StatusDraft || s == StatusQueued
}

// RunnerBusy reports whether a sub-agent owns the plan this tick. The
// dispatcher never advances a plan in these states.
func RunnerBusy(s Status) bool {
	return s == StatusTriaging || s == StatusReviewing
}

// Advanceable reports whether the per-plan advance step may touch the plan.
// Blocked is the orthogonal latch from the stop command or a failure.
func Advanceable(s Status, blocked bool) bool {
	if blocked {
		return false
	}
	switch s {
	case StatusActive, StatusReview:
		return true
	}
	return false
}

// ForwardFromDisk reports whether lifting status disk onto mem is a legal
// forward transition when merging external state edits. Only inbox promotion
// is accepted; everything else stays under dispatcher control.
func ForwardFromDisk(mem, disk Status) bool {
	return mem == StatusDraft && disk == StatusQueued
}
