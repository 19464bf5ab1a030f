// Package dispatch implements the top-level scheduling loop: one tick merges
// external state edits, drains control commands, ingests queued inbox plans,
// advances every plan by at most one step, runs the bridge runtimes, and
// persists state. Single-threaded and cooperative; parallelism exists only in
// the detached agent subprocesses the runners observe.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/kastheco/prloom/bus"
	"github.com/kastheco/prloom/bus/bridge"
	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/auditlog"
	"github.com/kastheco/prloom/config/plandoc"
	"github.com/kastheco/prloom/config/planfsm"
	"github.com/kastheco/prloom/config/planstate"
	"github.com/kastheco/prloom/hook"
	"github.com/kastheco/prloom/log"
	"github.com/kastheco/prloom/review"
	"github.com/kastheco/prloom/session/git"
	"github.com/kastheco/prloom/session/runner"
)

const (
	// tickSleep bounds the wait between ticks; control-file growth wakes the
	// loop earlier.
	tickSleep = 5 * time.Second
	// wakePoll is how often the sleeping loop checks for control commands.
	wakePoll = 250 * time.Millisecond
)

// Dispatcher owns the loop and every collaborator the runners need.
type Dispatcher struct {
	Cfg      *config.Config
	Paths    config.Paths
	State    *planstate.State
	Provider review.Provider
	Audit    auditlog.Logger
	Runner   *runner.Deps

	globalBridges *bridge.Runtime
	planBridges   map[string]*bridge.Runtime
	botLogin      string
}

// New wires a dispatcher from config. The hook runtime is built from the
// plugin config; the prloom-core bridge is registered on the global bus with
// a live view of the dispatcher state.
func New(cfg *config.Config, paths config.Paths, provider review.Provider, audit auditlog.Logger, tmux bool) (*Dispatcher, error) {
	state, err := planstate.Load(paths)
	if err != nil {
		return nil, err
	}
	hooks, err := hook.NewRuntime(cfg.Plugins, cfg.Hooks.Order)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		Cfg:      cfg,
		Paths:    paths,
		State:    state,
		Provider: provider,
		Audit:    audit,
		Runner: &runner.Deps{
			Cfg:      cfg,
			Paths:    paths,
			Provider: provider,
			Audit:    audit,
			Hooks:    hooks,
			Tmux:     tmux,
		},
		planBridges: make(map[string]*bridge.Runtime),
	}

	globalBus := bus.Bus{Dir: paths.GlobalBusDir()}
	d.globalBridges, err = bridge.NewRuntime(globalBus, cfg.GlobalBridges, cfg.Bus.TickIntervalMs)
	if err != nil {
		return nil, err
	}
	d.globalBridges.AddBridge(bridge.CoreName, &bridge.CoreBridge{
		Paths: paths,
		State: func() *planstate.State { return d.State },
	})

	if login, err := provider.BotLogin(context.Background()); err == nil {
		d.botLogin = login
	} else {
		log.WarningLog.Printf("resolve bot login: %v", err)
	}
	return d, nil
}

// Run executes ticks until ctx is cancelled, persisting state after each.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.InfoLog.Printf("dispatcher running against %s", d.Paths.RepoRoot)
	for {
		d.Tick(ctx, time.Now())
		if err := d.persist(); err != nil {
			log.ErrorLog.Printf("persist state: %v", err)
		}
		if done := d.sleep(ctx); done {
			return d.persist()
		}
	}
}

// Tick performs one scheduling pass.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	if disk, err := planstate.Load(d.Paths); err == nil {
		planstate.MergeFromDisk(d.State, disk)
	} else {
		log.WarningLog.Printf("re-read state: %v", err)
	}

	d.drainControl()
	d.ingestInbox(ctx)

	ids := make([]string, 0, len(d.State.Plans))
	for id := range d.State.Plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d.advancePlan(ctx, now, id, d.State.Plans[id])
	}

	if d.globalBridges.Due(now) {
		d.globalBridges.Tick(ctx, now)
	}
}

// advancePlan moves one plan by at most one step. Panics are contained here:
// a crashing plan records its error and the loop moves on.
func (d *Dispatcher) advancePlan(ctx context.Context, now time.Time, id string, ps *planstate.Entry) {
	defer func() {
		if r := recover(); r != nil {
			ps.Blocked = true
			ps.LastError = fmt.Sprintf("panic: %v", r)
			log.ErrorLog.Printf("plan %s: panic: %v", id, r)
			d.Audit.Emit(auditlog.NewEvent(auditlog.EventError, ps.LastError,
				auditlog.WithPlan(id), auditlog.WithLevel("error")))
		}
	}()

	if planfsm.InInbox(ps.Status) || ps.Status == planfsm.StatusDone {
		return
	}
	if ps.Worktree == "" {
		log.WarningLog.Printf("plan %s: no worktree, skipping", id)
		return
	}
	if _, err := os.Stat(config.WorktreePlanFile(ps.Worktree)); err != nil {
		log.WarningLog.Printf("plan %s: plan file missing, skipping", id)
		return
	}

	if d.removeIfClosed(ctx, id, ps) {
		return
	}
	if ps.Blocked || planfsm.RunnerBusy(ps.Status) {
		return
	}

	if ps.PendingReview && ps.Status == planfsm.StatusReview {
		d.Runner.Review(ctx, id, ps)
		d.mirror(id, ps)
		return
	}

	d.pollFeedback(ctx, now, id, ps)
	if ps.Blocked {
		d.mirror(id, ps)
		return
	}

	d.Runner.DrainEvents(ctx, id, ps, now)
	if ps.Blocked {
		d.mirror(id, ps)
		return
	}

	d.bridgeTick(ctx, now, id, ps)

	switch ps.Status {
	case planfsm.StatusActive:
		d.Runner.Worker(ctx, id, ps)
	case planfsm.StatusReview:
		// A hook or triage agent may have appended TODOs after the plan went
		// to review; reopen it.
		doc, err := plandoc.ParseFile(config.WorktreePlanFile(ps.Worktree))
		if err == nil && doc.UncheckedCount() > 0 {
			if next, err := planfsm.ApplyTransition(ps.Status, planfsm.TodoAdded); err == nil {
				ps.Status = next
				log.InfoLog.Printf("plan %s: new TODOs, back to active", id)
			}
		}
	}
	d.mirror(id, ps)
}

// pollFeedback applies the poll schedule and triages anything new.
func (d *Dispatcher) pollFeedback(ctx context.Context, now time.Time, id string, ps *planstate.Entry) {
	if ps.Status != planfsm.StatusActive && ps.Status != planfsm.StatusReview {
		return
	}
	cfg := d.Cfg.ApplyPreset(ps.Preset)
	interval := time.Duration(cfg.GithubPollIntervalMs) * time.Millisecond
	decision := DecidePoll(now, interval, ps.LastPolledAt, ps.PollOnce)
	if !decision.ShouldPoll {
		return
	}
	if decision.ClearPollOnce {
		ps.PollOnce = false
	}
	if decision.ShouldUpdateLastPolledAt {
		ps.LastPolledAt = now
	}

	number := crNumber(ps)
	if number == 0 {
		return
	}
	feedback, err := d.Provider.FetchFeedback(ctx, number)
	if err != nil {
		log.WarningLog.Printf("plan %s: fetch feedback: %v", id, err)
		return
	}
	fresh, cursors := review.FilterNew(feedback, ps.Cursors, d.botLogin)
	ps.Cursors = cursors
	if fresh.Empty() {
		return
	}
	d.Runner.Triage(ctx, id, ps, fresh)
}

// removeIfClosed deletes a plan whose CR reached a terminal hosting state.
func (d *Dispatcher) removeIfClosed(ctx context.Context, id string, ps *planstate.Entry) bool {
	number := crNumber(ps)
	if number == 0 {
		return false
	}
	state, err := d.Provider.CRStatus(ctx, number)
	if err != nil {
		log.WarningLog.Printf("plan %s: CR status: %v", id, err)
		return false
	}
	if state != review.StateMerged && state != review.StateClosed {
		return false
	}

	log.InfoLog.Printf("plan %s: CR %s, removing", id, state)
	d.Audit.Emit(auditlog.NewEvent(auditlog.EventPlanFinished, string(state),
		auditlog.WithPlan(id)))
	w := git.NewWorktree(d.Paths.RepoRoot, ps.Worktree, ps.Branch, ps.BaseBranch)
	if err := w.Remove(); err != nil {
		log.WarningLog.Printf("plan %s: remove worktree: %v", id, err)
	}
	if err := w.Cleanup(); err != nil {
		log.WarningLog.Printf("plan %s: delete branch: %v", id, err)
	}
	delete(d.State.Plans, id)
	delete(d.planBridges, id)
	return true
}

// bridgeTick runs the per-plan bridge runtime when its cadence is due.
func (d *Dispatcher) bridgeTick(ctx context.Context, now time.Time, id string, ps *planstate.Entry) {
	if len(d.Cfg.Bridges) == 0 {
		return
	}
	rt, ok := d.planBridges[id]
	if !ok {
		var err error
		rt, err = bridge.NewRuntime(bus.ForWorktree(ps.Worktree), d.Cfg.Bridges, d.Cfg.Bus.TickIntervalMs)
		if err != nil {
			log.ErrorLog.Printf("plan %s: bridge runtime: %v", id, err)
			return
		}
		d.planBridges[id] = rt
	}
	if rt.Due(now) {
		rt.Tick(ctx, now)
	}
}

// persist writes state.json and the per-worktree mirrors.
func (d *Dispatcher) persist() error {
	if err := planstate.Save(d.Paths, d.State); err != nil {
		return err
	}
	return nil
}

// mirror refreshes the worktree copy of one plan's state.
func (d *Dispatcher) mirror(id string, ps *planstate.Entry) {
	if ps.Worktree == "" {
		return
	}
	if err := planstate.WriteWorktreeMirror(ps.Worktree, ps); err != nil {
		log.WarningLog.Printf("plan %s: write worktree state: %v", id, err)
	}
}

// sleep waits up to tickSleep, waking early when the control log grows past
// the cursor. Reports true when ctx is done.
func (d *Dispatcher) sleep(ctx context.Context) bool {
	deadline := time.Now().Add(tickSleep)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return true
		case <-time.After(wakePoll):
		}
		if info, err := os.Stat(d.Paths.ControlFile()); err == nil && info.Size() > d.State.ControlCursor {
			return false
		}
	}
	return false
}

// crNumber parses a plan's CR reference; zero when none exists.
func crNumber(ps *planstate.Entry) int {
	if ps.CR == "" {
		return 0
	}
	n, err := strconv.Atoi(ps.CR)
	if err != nil {
		return 0
	}
	return n
}
