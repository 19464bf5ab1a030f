package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastheco/prloom/config"
)

func cleanScratch(t *testing.T, planID string) {
	t.Helper()
	t.Cleanup(func() { _ = os.RemoveAll(config.ScratchDir(planID)) })
}

func TestResolveAdapter(t *testing.T) {
	a, err := ResolveAdapter("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", a.Name())

	a, err = ResolveAdapter("opencode")
	require.NoError(t, err)
	assert.Equal(t, "opencode", a.Name())

	a, err = ResolveAdapter("script:./my-agent.sh")
	require.NoError(t, err)
	assert.Equal(t, "script", a.Name())

	// Unknown commands fall back to the script adapter.
	a, err = ResolveAdapter("aider --yes")
	require.NoError(t, err)
	assert.Equal(t, "script", a.Name())
}

func TestScriptAdapterRunsToCompletion(t *testing.T) {
	planID := "session-test-ok"
	cleanScratch(t, planID)

	code, h, err := Run(context.Background(), "script:cat \"$PRLOOM_PROMPT\"", ExecRequest{
		PlanID: planID,
		Stage:  "worker",
		Cwd:    t.TempDir(),
		Prompt: "hello agent",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, h.Output(), "hello agent")
}

func TestScriptAdapterNonZeroExit(t *testing.T) {
	planID := "session-test-fail"
	cleanScratch(t, planID)

	code, h, err := Run(context.Background(), "script:sh -c 'echo boom; exit 3'", ExecRequest{
		PlanID: planID,
		Stage:  "worker",
		Cwd:    t.TempDir(),
		Prompt: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, h.LogTail(5), "boom")
}

func TestHandleLogTail(t *testing.T) {
	planID := "session-test-tail"
	cleanScratch(t, planID)
	scratch := config.ScratchDir(planID)
	require.NoError(t, os.MkdirAll(scratch, 0o755))

	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString("line\n")
	}
	sb.WriteString("last line\n")
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "worker.log"), []byte(sb.String()), 0o644))

	h := &Handle{PlanID: planID, Stage: "worker"}
	tail := h.LogTail(30)
	assert.Len(t, strings.Split(tail, "\n"), 30)
	assert.True(t, strings.HasSuffix(tail, "last line"))
}

func TestHandleSynchronousResult(t *testing.T) {
	h := NewHandle(ExecRequest{PlanID: "p", Stage: "worker"},
		ExecResult{Synchronous: true, ExitCode: 2})
	code, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, code)
	assert.Equal(t, "sync", h.ID())
}

func TestHandleIDForms(t *testing.T) {
	h := NewHandle(ExecRequest{PlanID: "p", Stage: "worker"}, ExecResult{PID: 42})
	assert.Equal(t, "pid:42", h.ID())

	h = NewHandle(ExecRequest{PlanID: "p", Stage: "worker"}, ExecResult{TmuxSession: "prloom_p_worker"})
	assert.Equal(t, "tmux:prloom_p_worker", h.ID())
}
