package auditlog

import "time"

// QueryFilter specifies criteria for querying audit events.
type QueryFilter struct {
	PlanID string
	Stage  string
	Kinds  []EventKind
	Limit  int
	Before time.Time
	After  time.Time
}

// Logger is the interface for emitting and querying audit events.
type Logger interface {
	Emit(event Event)
	Query(filter QueryFilter) ([]Event, error)
	Close() error
}

// EventOption is a functional option for configuring optional Event fields.
type EventOption func(*Event)

// WithPlan sets the PlanID field on the event.
func WithPlan(planID string) EventOption {
	return func(e *Event) { e.PlanID = planID }
}

// WithStage sets the Stage field on the event.
func WithStage(stage string) EventOption {
	return func(e *Event) { e.Stage = stage }
}

// WithAgent sets the AgentType field on the event.
func WithAgent(agentType string) EventOption {
	return func(e *Event) { e.AgentType = agentType }
}

// WithTodo sets the TodoIndex field on the event.
func WithTodo(index int) EventOption {
	return func(e *Event) { e.TodoIndex = index }
}

// WithDetail sets the Detail field on the event (JSON-encoded extra data).
func WithDetail(detail string) EventOption {
	return func(e *Event) { e.Detail = detail }
}

// WithLevel sets the Level field on the event (info, warn, error).
func WithLevel(level string) EventOption {
	return func(e *Event) { e.Level = level }
}

// NewEvent builds an event of the given kind with a message and options
// applied. TodoIndex defaults to -1.
func NewEvent(kind EventKind, message string, opts ...EventOption) Event {
	e := Event{Kind: kind, Message: message, TodoIndex: -1}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// nopLogger is a no-op Logger used when auditing is unconfigured.
type nopLogger struct{}

// NopLogger returns a Logger that discards all events.
func NopLogger() Logger {
	return &nopLogger{}
}

func (n *nopLogger) Emit(_ Event) {}

func (n *nopLogger) Query(_ QueryFilter) ([]Event, error) {
	return nil, nil
}

func (n *nopLogger) Close() error {
	return nil
}
