// Package runner implements the per-plan agent steps the dispatcher
// schedules: the worker that executes TODOs, the triage sub-agent that
// reacts to feedback, and the review sub-agent that inspects the CR.
//
// Runners never return errors to the loop. Every failure lands on the plan
// entry as blocked/lastError per the error policy, so one broken plan can
// never stall the others.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kastheco/prloom/bus"
	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/auditlog"
	"github.com/kastheco/prloom/config/plandoc"
	"github.com/kastheco/prloom/config/planstate"
	"github.com/kastheco/prloom/hook"
	"github.com/kastheco/prloom/log"
	"github.com/kastheco/prloom/review"
	"github.com/kastheco/prloom/session"
	"github.com/kastheco/prloom/session/git"
)

// maxTodoRetries is how many times the same TODO may fail before the plan
// blocks.
const maxTodoRetries = 3

// logTailLines is how much of the worker log a blocking error carries.
const logTailLines = 30

// RunAgentFunc starts an agent and returns its observer without waiting.
// Swappable so tests drive the runners with scripted agents.
type RunAgentFunc func(ctx context.Context, agentCommand string, req session.ExecRequest) (*session.Handle, error)

// Deps wires the collaborators every runner needs.
type Deps struct {
	Cfg      *config.Config
	Paths    config.Paths
	Provider review.Provider
	Audit    auditlog.Logger
	Hooks    *hook.Runtime

	// Tmux selects observable tmux sessions over plain background processes.
	Tmux bool

	// RunAgent defaults to session.Launch.
	RunAgent RunAgentFunc
}

// runAgent launches the agent, records its session identifier on the plan
// entry while the wait is in flight, and returns the exit code.
func (d *Deps) runAgent(ctx context.Context, ps *planstate.Entry, agentCommand string, req session.ExecRequest) (int, *session.Handle, error) {
	launch := session.Launch
	if d.RunAgent != nil {
		launch = d.RunAgent
	}
	h, err := launch(ctx, agentCommand, req)
	if err != nil {
		return 0, nil, err
	}
	ps.Session = h.ID()
	defer func() { ps.Session = "" }()
	code, err := h.Wait(ctx)
	return code, h, err
}

// planConfig resolves the effective config for one plan (preset overlay).
func (d *Deps) planConfig(ps *planstate.Entry) *config.Config {
	return d.Cfg.ApplyPreset(ps.Preset)
}

// worktreeFor builds the VCS handle for a plan.
func (d *Deps) worktreeFor(ps *planstate.Entry) *git.Worktree {
	return git.NewWorktree(d.Paths.RepoRoot, ps.Worktree, ps.Branch, ps.BaseBranch)
}

// block latches the plan with an error. The reason also goes to the audit
// trail and the worktree's fatal log.
func (d *Deps) block(planID string, ps *planstate.Entry, stage, reason string) {
	ps.Blocked = true
	ps.LastError = reason
	log.WarningLog.Printf("plan %s blocked: %s", planID, reason)
	d.Audit.Emit(auditlog.NewEvent(auditlog.EventPlanBlocked, reason,
		auditlog.WithPlan(planID), auditlog.WithStage(stage), auditlog.WithLevel("error")))
	if ps.Worktree != "" {
		if err := auditlog.AppendFatal(ps.Worktree, auditlog.FatalRecord{
			PlanID: planID, Stage: stage, TodoIndex: ps.LastTodoIndex, Message: reason,
		}); err != nil {
			log.ErrorLog.Printf("plan %s: write fatal record: %v", planID, err)
		}
	}
}

// HookContext builds the plugin-facing context for one plan. The dispatcher
// passes its bus consumer state at the onEvent point so plugins can mark
// events handled or deferred; lifecycle points pass nil.
func (d *Deps) HookContext(planID string, ps *planstate.Entry, event *bus.Event, ds *bus.DispatcherState, now time.Time) *hook.Context {
	return &hook.Context{
		PlanID:     planID,
		Event:      event,
		PlanBus:    bus.ForWorktree(ps.Worktree),
		GlobalBus:  bus.Bus{Dir: d.Paths.GlobalBusDir()},
		Dispatcher: ds,
		Now:        now,
		RunAgentFn: func(ctx context.Context, req hook.AgentRequest) (string, error) {
			cfg := d.planConfig(ps)
			agent := cfg.DefaultAgent(ps.Agent)
			model := req.Model
			if model == "" {
				model = cfg.ModelFor(agent, req.Stage)
			}
			code, h, err := d.runAgent(ctx, ps, agent, session.ExecRequest{
				PlanID: planID,
				Stage:  "hook",
				Cwd:    ps.Worktree,
				Prompt: req.Prompt,
				Model:  model,
				Tmux:   false,
			})
			if err != nil {
				return "", err
			}
			if code != 0 {
				return h.Output(), fmt.Errorf("hook agent exited %d", code)
			}
			return h.Output(), nil
		},
	}
}

// runHooks executes a hook point against the plan markdown and writes the
// rewritten markdown back when a plugin changed it. A hook failure blocks
// the plan with the "Hook error:" prefix and reports false.
func (d *Deps) runHooks(ctx context.Context, point hook.Point, planID string, ps *planstate.Entry, event *bus.Event) bool {
	if d.Hooks == nil || d.Hooks.Empty() {
		return true
	}
	planFile := config.WorktreePlanFile(ps.Worktree)
	doc, err := plandoc.ParseFile(planFile)
	if err != nil {
		d.block(planID, ps, string(point), "Hook error: read plan: "+err.Error())
		return false
	}

	hctx := d.HookContext(planID, ps, event, nil, time.Now())

	out, err := d.Hooks.Run(ctx, point, hctx, doc.Raw())
	if err != nil {
		d.block(planID, ps, string(point), "Hook error: "+err.Error())
		return false
	}
	if out != doc.Raw() {
		if err := os.WriteFile(planFile, []byte(out), 0o644); err != nil {
			d.block(planID, ps, string(point), "Hook error: write plan: "+err.Error())
			return false
		}
	}
	return true
}

// crNumber parses the plan's CR reference. Zero when no CR exists.
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

// updateCRBody pushes the current plan markdown body to the CR.
func (d *Deps) updateCRBody(ctx context.Context, planID string, ps *planstate.Entry) {
	number := crNumber(ps)
	if number == 0 || d.Provider == nil {
		return
	}
	doc, err := plandoc.ParseFile(config.WorktreePlanFile(ps.Worktree))
	if err != nil {
		log.WarningLog.Printf("plan %s: read plan for CR body: %v", planID, err)
		return
	}
	if err := d.Provider.UpdateCRBody(ctx, number, doc.ExtractBody()); err != nil {
		log.WarningLog.Printf("plan %s: update CR body: %v", planID, err)
	}
}

// postComment posts on the plan's CR, tolerating failure with a log line.
func (d *Deps) postComment(ctx context.Context, planID string, ps *planstate.Entry, body string) {
	number := crNumber(ps)
	if number == 0 || d.Provider == nil {
		return
	}
	if err := d.Provider.PostComment(ctx, number, body); err != nil {
		log.WarningLog.Printf("plan %s: post comment: %v", planID, err)
	}
}

// sessionReq builds the common ExecRequest for a stage run.
func sessionReq(planID, stage string, ps *planstate.Entry, cfg *config.Config, prompt string, tmux bool) session.ExecRequest {
	agent := cfg.DefaultAgent(ps.Agent)
	return session.ExecRequest{
		PlanID: planID,
		Stage:  stage,
		Cwd:    ps.Worktree,
		Prompt: prompt,
		Model:  cfg.ModelFor(agent, stage),
		Tmux:   tmux,
	}
}

// handleForLog builds a handle solely to read a stage's log files.
func handleForLog(planID, stage string) *session.Handle {
	return &session.Handle{PlanID: planID, Stage: stage}
}

// readResult parses a runner's result file and removes it so a stale result
// can never satisfy the next run.
func readResult(worktree, runnerName string, out any) error {
	path := config.WorktreeResultFile(worktree, runnerName)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s result: %w", runnerName, err)
	}
	defer os.Remove(path)
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s result: %w", runnerName, err)
	}
	return nil
}
