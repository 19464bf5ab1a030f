// Package session launches and observes coding-agent subprocesses. Adapters
// translate a stage's prompt into a concrete CLI invocation; handles poll
// filesystem sentinels so the dispatcher loop never blocks on a child.
package session

import (
	"context"
	"fmt"
	"sync"
)

// ExecRequest describes one agent invocation.
type ExecRequest struct {
	PlanID string
	Stage  string // designer, worker, triage, review, commit-review
	Cwd    string
	Prompt string
	Model  string
	// Tmux asks for an observable detached tmux session instead of a plain
	// background process.
	Tmux bool
}

// ExecResult identifies the launched process. Exactly one of PID,
// TmuxSession, or Synchronous describes how to observe completion.
type ExecResult struct {
	PID         int
	TmuxSession string
	// Synchronous adapters finished before returning; ExitCode is final.
	Synchronous bool
	ExitCode    int
}

// AgentAdapter spawns an agent for a stage. Execute must be fire-and-observe:
// it may not block beyond the decision to spawn (synchronous adapters are the
// exception and say so in their result).
type AgentAdapter interface {
	Name() string
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// Factory constructs an adapter from the agent command string as configured
// (e.g. "claude", "opencode", "script:./run.sh").
type Factory func(command string) (AgentAdapter, error)

var (
	adapterRegistry = make(map[string]Factory)
	adapterLock     sync.RWMutex
)

// RegisterAdapter adds an adapter factory under a scheme name.
func RegisterAdapter(scheme string, factory Factory) {
	adapterLock.Lock()
	defer adapterLock.Unlock()
	adapterRegistry[scheme] = factory
}

// ResolveAdapter picks the adapter for an agent command string. The scheme is
// everything before the first ':', or the whole string; unknown schemes fall
// back to the script adapter so arbitrary commands keep working.
func ResolveAdapter(command string) (AgentAdapter, error) {
	scheme := command
	for i := 0; i < len(command); i++ {
		if command[i] == ':' {
			scheme = command[:i]
			break
		}
	}

	adapterLock.RLock()
	factory, ok := adapterRegistry[scheme]
	if !ok {
		factory, ok = adapterRegistry["script"]
	}
	adapterLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %q", command)
	}
	return factory(command)
}
