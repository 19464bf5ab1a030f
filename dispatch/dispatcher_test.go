package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastheco/prloom/bus"
	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/auditlog"
	"github.com/kastheco/prloom/config/plandoc"
	"github.com/kastheco/prloom/config/planfsm"
	"github.com/kastheco/prloom/config/planstate"
	"github.com/kastheco/prloom/hook"
	"github.com/kastheco/prloom/review"
	"github.com/kastheco/prloom/review/local"
	"github.com/kastheco/prloom/session"
	"github.com/kastheco/prloom/session/git"
	"github.com/kastheco/prloom/session/runner"
)

// countingProvider wraps the local provider and tallies the hosting calls the
// loop makes.
type countingProvider struct {
	review.Provider
	drafts    int
	bodyEdits int
	ready     int
}

func (p *countingProvider) CreateDraftCR(ctx context.Context, branch, base, title, body string) (review.CR, error) {
	p.drafts++
	return p.Provider.CreateDraftCR(ctx, branch, base, title, body)
}

func (p *countingProvider) UpdateCRBody(ctx context.Context, number int, body string) error {
	p.bodyEdits++
	return p.Provider.UpdateCRBody(ctx, number, body)
}

func (p *countingProvider) MarkReady(ctx context.Context, number int) error {
	p.ready++
	return p.Provider.MarkReady(ctx, number)
}

type dispatchEnv struct {
	repo string
	d    *Dispatcher
	prov *countingProvider
}

func newDispatchEnv(t *testing.T, agent runner.RunAgentFunc) *dispatchEnv {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, git.InitRepo(repo))

	cfg := config.DefaultConfig()
	cfg.WorktreesDir = t.TempDir()
	paths := config.Paths{RepoRoot: repo}
	prov := &countingProvider{Provider: local.New(repo)}

	d, err := New(cfg, paths, prov, auditlog.NopLogger(), false)
	require.NoError(t, err)
	d.Runner.RunAgent = agent
	return &dispatchEnv{repo: repo, d: d, prov: prov}
}

func writeInboxPlan(t *testing.T, paths config.Paths, id, markdown string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(paths.InboxDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(paths.InboxDir(), id+".md"), []byte(markdown), 0o644))
	require.NoError(t, planstate.WriteInboxMeta(paths, id, planstate.InboxMeta{Status: planfsm.StatusQueued}))
}

// checkboxAgent plays a worker that completes one TODO per run by flipping
// the next unchecked box in the worktree plan.
func checkboxAgent(t *testing.T) runner.RunAgentFunc {
	return func(_ context.Context, _ string, req session.ExecRequest) (*session.Handle, error) {
		if req.Stage == config.StageWorker {
			planFile := config.WorktreePlanFile(req.Cwd)
			doc, err := plandoc.ParseFile(planFile)
			require.NoError(t, err)
			if todo, ok := doc.FindNextUnchecked(); ok {
				require.NoError(t, plandoc.SetTodoDone(planFile, todo.Index, true))
			}
		}
		return session.NewHandle(req, session.ExecResult{Synchronous: true, ExitCode: 0}), nil
	}
}

// idleAgent succeeds without touching anything.
func idleAgent(_ context.Context, _ string, req session.ExecRequest) (*session.Handle, error) {
	return session.NewHandle(req, session.ExecResult{Synchronous: true, ExitCode: 0}), nil
}

// triageResultAgent succeeds and, on triage runs, writes a no-op result so
// the triage step never blocks on a missing file.
func triageResultAgent(runs *int) runner.RunAgentFunc {
	return func(_ context.Context, _ string, req session.ExecRequest) (*session.Handle, error) {
		if req.Stage == config.StageTriage {
			*runs++
			result, _ := json.Marshal(map[string]any{"rebase": false, "reply_markdown": ""})
			resultFile := config.WorktreeResultFile(req.Cwd, "triage")
			if err := os.MkdirAll(filepath.Dir(resultFile), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(resultFile, result, 0o644); err != nil {
				return nil, err
			}
		}
		return session.NewHandle(req, session.ExecResult{Synchronous: true, ExitCode: 0}), nil
	}
}

func TestDispatcherRunsPlanToReview(t *testing.T) {
	env := newDispatchEnv(t, checkboxAgent(t))
	writeInboxPlan(t, env.d.Paths, "build-service",
		"# Build service\n\nShip the thing.\n\n- [ ] Setup DB\n- [ ] Create API\n- [ ] Add tests\n")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.d.Tick(ctx, time.Now())
		require.NoError(t, env.d.persist())
	}

	ps := env.d.State.Plans["build-service"]
	require.NotNil(t, ps)
	assert.Equal(t, planfsm.StatusReview, ps.Status)
	assert.False(t, ps.Blocked)
	assert.Empty(t, ps.LastError)

	// One draft at ingestion, one body refresh per completed TODO, one
	// ready flip when the last box closes.
	assert.Equal(t, 1, env.prov.drafts)
	assert.Equal(t, 3, env.prov.bodyEdits)
	assert.Equal(t, 1, env.prov.ready)

	state, err := env.prov.CRStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, review.StateOpen, state)

	doc, err := plandoc.ParseFile(config.WorktreePlanFile(ps.Worktree))
	require.NoError(t, err)
	assert.Zero(t, doc.UncheckedCount())

	out, err := exec.Command("git", "-C", ps.Worktree, "log", "--format=%s").Output()
	require.NoError(t, err)
	for _, subject := range []string{"Setup DB", "Create API", "Add tests"} {
		assert.Contains(t, string(out), subject)
	}

	entries, err := planstate.ListInbox(env.d.Paths)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// memoryPlugin claims bus events whose title starts with "!memory" before
// triage sees them.
type memoryPlugin struct{ claimed []string }

func (p *memoryPlugin) Name() string         { return "memory" }
func (p *memoryPlugin) Points() []hook.Point { return []hook.Point{hook.OnEvent} }

func (p *memoryPlugin) Run(_ context.Context, _ hook.Point, hctx *hook.Context, markdown string) (string, error) {
	if hctx.Event != nil && strings.HasPrefix(hctx.Event.Title, "!memory") {
		p.claimed = append(p.claimed, hctx.Event.ID)
		hctx.MarkEventHandled(hctx.Event.ID)
	}
	return markdown, nil
}

func TestDispatcherEventInterception(t *testing.T) {
	var triageRuns int
	env := newDispatchEnv(t, triageResultAgent(&triageRuns))
	writeInboxPlan(t, env.d.Paths, "memory-plan", "# Memory plan\n\n- [ ] Wire cache\n")

	ctx := context.Background()
	env.d.Tick(ctx, time.Now())
	ps := env.d.State.Plans["memory-plan"]
	require.NotNil(t, ps)
	require.Equal(t, planfsm.StatusActive, ps.Status)

	plugin := &memoryPlugin{}
	env.d.Runner.Hooks.AddPlugin(plugin)

	b := bus.ForWorktree(ps.Worktree)
	require.NoError(t, b.AppendEvent(bus.Event{ID: "e1", Source: "slack", Type: "message", Title: "!memory remember the schema"}))
	require.NoError(t, b.AppendEvent(bus.Event{ID: "e2", Source: "slack", Type: "message", Title: "please fix the login flow"}))
	require.NoError(t, b.AppendEvent(bus.Event{ID: "e3", Source: "ci", Type: "failure", Title: "build broke on the plan branch"}))

	env.d.Tick(ctx, time.Now())

	// The plugin swallowed e1; only the other two reached triage.
	assert.Equal(t, []string{"e1"}, plugin.claimed)
	assert.Equal(t, 2, triageRuns)
	assert.False(t, ps.Blocked)

	ds, err := b.LoadDispatcherState()
	require.NoError(t, err)
	processed := ds.ProcessedSet()
	for _, id := range []string{"e1", "e2", "e3"} {
		assert.True(t, processed[id], "event %s should be settled", id)
	}
	assert.Greater(t, ds.EventsOffset, int64(0))

	// Nothing is re-offered on the next tick.
	env.d.Tick(ctx, time.Now())
	assert.Equal(t, 2, triageRuns)
}

func TestTickPreservesIngestionFields(t *testing.T) {
	env := newDispatchEnv(t, runner.RunAgentFunc(idleAgent))
	writeInboxPlan(t, env.d.Paths, "fix-auth", "# Fix auth\n\n- [ ] Tighten session expiry\n")

	ctx := context.Background()
	env.d.Tick(ctx, time.Now())
	require.NoError(t, env.d.persist())

	ps := env.d.State.Plans["fix-auth"]
	require.NotNil(t, ps)
	require.NotEmpty(t, ps.Worktree)
	require.NotEmpty(t, ps.Branch)
	require.NotEmpty(t, ps.CR)
	worktree, branch, cr := ps.Worktree, ps.Branch, ps.CR

	for i := 0; i < 2; i++ {
		env.d.Tick(ctx, time.Now())
		require.NoError(t, env.d.persist())
	}

	disk, err := planstate.Load(env.d.Paths)
	require.NoError(t, err)
	got := disk.Plans["fix-auth"]
	require.NotNil(t, got)
	assert.Equal(t, worktree, got.Worktree)
	assert.Equal(t, branch, got.Branch)
	assert.Equal(t, cr, got.CR)
	assert.Equal(t, "main", got.BaseBranch)
}

func TestMergedCRRemovesPlan(t *testing.T) {
	env := newDispatchEnv(t, checkboxAgent(t))
	writeInboxPlan(t, env.d.Paths, "small-fix", "# Small fix\n\n- [ ] Adjust copy\n")

	ctx := context.Background()
	env.d.Tick(ctx, time.Now())
	ps := env.d.State.Plans["small-fix"]
	require.NotNil(t, ps)
	require.Equal(t, planfsm.StatusReview, ps.Status)
	worktree := ps.Worktree

	lp, ok := env.prov.Provider.(*local.Provider)
	require.True(t, ok)
	require.NoError(t, lp.SetState(1, "merged"))

	env.d.Tick(ctx, time.Now())
	assert.NotContains(t, env.d.State.Plans, "small-fix")
	assert.NoDirExists(t, worktree)
}
