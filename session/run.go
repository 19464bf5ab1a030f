package session

import (
	"context"
	"os"
	"path/filepath"

	"github.com/kastheco/prloom/config"
)

// Launch resolves the adapter for agentCommand and starts the agent without
// waiting. The returned handle carries the session identifier and observes
// completion.
func Launch(ctx context.Context, agentCommand string, req ExecRequest) (*Handle, error) {
	adapter, err := ResolveAdapter(agentCommand)
	if err != nil {
		return nil, err
	}
	res, err := adapter.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return NewHandle(req, res), nil
}

// Run launches the agent and waits for completion. Returns the exit code and
// the handle (for log access).
func Run(ctx context.Context, agentCommand string, req ExecRequest) (int, *Handle, error) {
	h, err := Launch(ctx, agentCommand, req)
	if err != nil {
		return 0, nil, err
	}
	code, err := h.Wait(ctx)
	return code, h, err
}

// Output returns the full stage log of a completed run.
func (h *Handle) Output() string {
	data, err := os.ReadFile(filepath.Join(config.ScratchDir(h.PlanID), h.Stage+".log"))
	if err != nil {
		return ""
	}
	return string(data)
}
