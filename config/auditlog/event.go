package auditlog

import "time"

// EventKind identifies the type of audit event.
type EventKind string

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Plan lifecycle events.
const (
	EventPlanIngested   EventKind = "plan_ingested"
	EventPlanTransition EventKind = "plan_transition"
	EventPlanBlocked    EventKind = "plan_blocked"
	EventPlanPaused     EventKind = "plan_paused"
	EventPlanResumed    EventKind = "plan_resumed"
	EventPlanFinished   EventKind = "plan_finished"
)

// TODO execution events.
const (
	EventTodoStarted EventKind = "todo_started"
	EventTodoDone    EventKind = "todo_done"
	EventTodoRetry   EventKind = "todo_retry"
)

// Sub-agent events.
const (
	EventTriageStarted EventKind = "triage_started"
	EventTriageDone    EventKind = "triage_done"
	EventReviewStarted EventKind = "review_started"
	EventReviewDone    EventKind = "review_done"
	EventCommitReview  EventKind = "commit_review"
)

// Operational events.
const (
	EventGitPush        EventKind = "git_push"
	EventCRCreated      EventKind = "cr_created"
	EventBridgeDelivery EventKind = "bridge_delivery"
	EventHookError      EventKind = "hook_error"
	EventFSMError       EventKind = "fsm_error"
	EventError          EventKind = "error"
)

// Event is a single audit log entry.
type Event struct {
	ID        int64
	Kind      EventKind
	Timestamp time.Time
	PlanID    string
	Stage     string // designer, worker, triage, review, commit-review
	AgentType string
	TodoIndex int // -1 when the event is not tied to a TODO
	Message   string
	Detail    string // JSON-encoded extra data
	Level     string // info, warn, error
}
