package runner

import (
	"context"
	"fmt"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/auditlog"
	"github.com/kastheco/prloom/config/plandoc"
	"github.com/kastheco/prloom/config/planfsm"
	"github.com/kastheco/prloom/config/planstate"
	"github.com/kastheco/prloom/hook"
	"github.com/kastheco/prloom/log"
)

// Worker advances one plan by one TODO: launch the agent, verify the
// checkbox flipped, commit under the TODO text, run the commit-review gate,
// and transition to review when nothing is left.
func (d *Deps) Worker(ctx context.Context, planID string, ps *planstate.Entry) {
	planFile := config.WorktreePlanFile(ps.Worktree)
	doc, err := plandoc.ParseFile(planFile)
	if err != nil {
		d.block(planID, ps, config.StageWorker, "read plan: "+err.Error())
		return
	}
	if len(doc.Todos) == 0 {
		d.block(planID, ps, config.StageWorker, "plan has no TODOs")
		return
	}

	todo, ok := doc.FindNextUnchecked()
	if !ok {
		d.finish(ctx, planID, ps)
		return
	}

	if todo.Blocked {
		d.block(planID, ps, config.StageWorker,
			fmt.Sprintf("Blocked by task #%d: %s", todo.Index, todo.Text))
		return
	}

	// Retry tracking: seeing the same index twice means the last attempt did
	// not complete the TODO.
	if ps.LastTodoIndex == todo.Index {
		ps.TodoRetryCount++
		if ps.TodoRetryCount >= maxTodoRetries {
			tail := d.workerLogTail(planID)
			d.Audit.Emit(auditlog.NewEvent(auditlog.EventTodoRetry, "retry limit reached",
				auditlog.WithPlan(planID), auditlog.WithStage(config.StageWorker),
				auditlog.WithTodo(todo.Index), auditlog.WithLevel("error")))
			d.block(planID, ps, config.StageWorker,
				fmt.Sprintf("TODO #%d failed after %d retries: %s\n%s", todo.Index, maxTodoRetries, todo.Text, tail))
			return
		}
		d.Audit.Emit(auditlog.NewEvent(auditlog.EventTodoRetry,
			fmt.Sprintf("attempt %d", ps.TodoRetryCount+1),
			auditlog.WithPlan(planID), auditlog.WithStage(config.StageWorker),
			auditlog.WithTodo(todo.Index), auditlog.WithLevel("warn")))
	} else {
		ps.ResetRetry(todo.Index)
	}

	if !d.runHooks(ctx, hook.BeforeTodo, planID, ps, nil) {
		return
	}
	// Hooks may have rewritten the plan.
	doc, err = plandoc.ParseFile(planFile)
	if err != nil {
		d.block(planID, ps, config.StageWorker, "read plan: "+err.Error())
		return
	}

	cfg := d.planConfig(ps)
	agent := cfg.DefaultAgent(ps.Agent)
	d.Audit.Emit(auditlog.NewEvent(auditlog.EventTodoStarted, todo.Text,
		auditlog.WithPlan(planID), auditlog.WithStage(config.StageWorker),
		auditlog.WithAgent(agent), auditlog.WithTodo(todo.Index)))

	code, h, err := d.runAgent(ctx, ps, agent, sessionReq(planID, config.StageWorker, ps, cfg, workerPrompt(doc, todo), d.Tmux))
	if err != nil {
		// Spawn failure is transient: leave state alone, next tick retries.
		log.WarningLog.Printf("plan %s: worker spawn failed: %v", planID, err)
		return
	}
	if code != 0 {
		log.WarningLog.Printf("plan %s: worker exited %d\n%s", planID, code, h.LogTail(logTailLines))
	}

	// Completion check: the agent proves completion by flipping the checkbox.
	doc, err = plandoc.ParseFile(planFile)
	if err != nil {
		d.block(planID, ps, config.StageWorker, "read plan: "+err.Error())
		return
	}
	if todo.Index >= len(doc.Todos) || !doc.Todos[todo.Index].Done {
		log.WarningLog.Printf("plan %s: TODO #%d still unchecked after worker run\n%s",
			planID, todo.Index, h.LogTail(logTailLines))
		return // next tick counts this as a retry
	}
	ps.TodoRetryCount = 0

	if !d.runHooks(ctx, hook.AfterTodo, planID, ps, nil) {
		return
	}

	w := d.worktreeFor(ps)
	committed, err := w.CommitAll(todo.Text)
	if err != nil {
		d.block(planID, ps, config.StageWorker, "commit: "+err.Error())
		return
	}
	if committed {
		if err := w.Push(); err != nil {
			log.WarningLog.Printf("plan %s: push: %v", planID, err)
		}
		d.Audit.Emit(auditlog.NewEvent(auditlog.EventTodoDone, todo.Text,
			auditlog.WithPlan(planID), auditlog.WithStage(config.StageWorker), auditlog.WithTodo(todo.Index)))
	}

	if cfg.CommitReview.Enabled {
		if !d.commitReviewGate(ctx, planID, ps, cfg, todo) {
			return
		}
		if cfg.CommitReview.RequireManualResume {
			if next, err := planfsm.ApplyTransition(ps.Status, planfsm.Pause); err == nil {
				ps.Status = next
			}
			ps.LastError = "Paused for manual resume"
			log.InfoLog.Printf("plan %s: paused for manual resume", planID)
			return
		}
	}

	doc, err = plandoc.ParseFile(planFile)
	if err != nil {
		d.block(planID, ps, config.StageWorker, "read plan: "+err.Error())
		return
	}
	if doc.UncheckedCount() == 0 {
		// finish refreshes the CR body itself.
		d.finish(ctx, planID, ps)
		return
	}
	d.updateCRBody(ctx, planID, ps)
}

// commitReviewGate runs the reviewer sub-agent against the fresh commit.
// Returns false when the worker step should stop here (re-work queued, plan
// blocked, or a transient failure).
func (d *Deps) commitReviewGate(ctx context.Context, planID string, ps *planstate.Entry, cfg *config.Config, todo plandoc.Todo) bool {
	gate := cfg.CommitReview
	agent := gate.Agent
	if agent == "" {
		agent = cfg.DefaultAgent(ps.Agent)
	}
	model := gate.Model
	if model == "" {
		model = cfg.ModelFor(agent, config.StageCommitReview)
	}

	req := sessionReq(planID, config.StageCommitReview, ps, cfg, commitReviewPrompt(todo), d.Tmux)
	req.Model = model
	code, h, err := d.runAgent(ctx, ps, agent, req)
	if err != nil {
		log.WarningLog.Printf("plan %s: commit-review spawn failed: %v", planID, err)
		return false
	}
	if code != 0 {
		log.WarningLog.Printf("plan %s: commit-review exited %d\n%s", planID, code, h.LogTail(logTailLines))
		return false
	}

	doc, err := plandoc.ParseFile(config.WorktreePlanFile(ps.Worktree))
	if err != nil {
		d.block(planID, ps, config.StageCommitReview, "read plan: "+err.Error())
		return false
	}
	rejected := todo.Index < len(doc.Todos) && !doc.Todos[todo.Index].Done
	d.Audit.Emit(auditlog.NewEvent(auditlog.EventCommitReview,
		fmt.Sprintf("rejected=%t loops=%d", rejected, ps.CommitReviewLoops),
		auditlog.WithPlan(planID), auditlog.WithStage(config.StageCommitReview), auditlog.WithTodo(todo.Index)))

	if rejected {
		ps.CommitReviewLoops++
		if ps.CommitReviewLoops >= gate.MaxLoops {
			d.block(planID, ps, config.StageCommitReview,
				fmt.Sprintf("commit review rejected TODO #%d %d times: %s", todo.Index, ps.CommitReviewLoops, todo.Text))
			return false
		}
		// Re-work queued: the unchecked TODO sends the next tick back to the
		// worker.
		if err := d.commitReviewEdits(ps, planID); err != nil {
			log.WarningLog.Printf("plan %s: commit review edits: %v", planID, err)
		}
		return false
	}
	ps.CommitReviewLoops = 0
	if err := d.commitReviewEdits(ps, planID); err != nil {
		log.WarningLog.Printf("plan %s: commit review edits: %v", planID, err)
	}
	return true
}

// commitReviewEdits persists any plan edits the gate reviewer made.
func (d *Deps) commitReviewEdits(ps *planstate.Entry, planID string) error {
	w := d.worktreeFor(ps)
	_, err := w.CommitAll("[prloom] " + planID + ": commit review")
	return err
}

// finish runs the beforeFinish chain and, when nothing re-opened the plan,
// transitions it to review and marks the CR ready.
func (d *Deps) finish(ctx context.Context, planID string, ps *planstate.Entry) {
	if !d.runHooks(ctx, hook.BeforeFinish, planID, ps, nil) {
		return
	}

	doc, err := plandoc.ParseFile(config.WorktreePlanFile(ps.Worktree))
	if err != nil {
		d.block(planID, ps, config.StageWorker, "read plan: "+err.Error())
		return
	}
	if doc.UncheckedCount() > 0 {
		// A beforeFinish hook queued more work; bounded so a hook that always
		// appends cannot loop forever.
		ps.FinishLoops++
		if ps.FinishLoops >= d.Cfg.MaxFinishLoops() {
			d.block(planID, ps, config.StageWorker,
				fmt.Sprintf("beforeFinish hooks appended TODOs %d times in a row", ps.FinishLoops))
			return
		}
		log.InfoLog.Printf("plan %s: beforeFinish queued more work, staying active", planID)
		d.updateCRBody(ctx, planID, ps)
		return
	}
	ps.FinishLoops = 0

	// Persist hook edits to the plan file before the CR goes ready.
	w := d.worktreeFor(ps)
	if _, err := w.CommitAll("[prloom] " + planID + ": finalize plan"); err != nil {
		log.WarningLog.Printf("plan %s: finalize commit: %v", planID, err)
	}
	d.updateCRBody(ctx, planID, ps)

	next, err := planfsm.ApplyTransition(ps.Status, planfsm.AllTodosDone)
	if err != nil {
		d.block(planID, ps, config.StageWorker, "transition to review: "+err.Error())
		return
	}
	ps.Status = next

	if number := crNumber(ps); number != 0 && d.Provider != nil {
		if err := d.Provider.MarkReady(ctx, number); err != nil {
			log.WarningLog.Printf("plan %s: mark CR ready: %v", planID, err)
		}
	}
	d.Audit.Emit(auditlog.NewEvent(auditlog.EventPlanTransition, "all TODOs done",
		auditlog.WithPlan(planID), auditlog.WithStage(config.StageWorker)))

	d.runHooks(ctx, hook.AfterFinish, planID, ps, nil)
}

// workerLogTail reads the tail of the worker stage log for error reports.
func (d *Deps) workerLogTail(planID string) string {
	h := handleForLog(planID, config.StageWorker)
	return h.LogTail(logTailLines)
}
