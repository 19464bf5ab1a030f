package runner

import (
	"context"
	"strings"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/auditlog"
	"github.com/kastheco/prloom/config/plandoc"
	"github.com/kastheco/prloom/config/planfsm"
	"github.com/kastheco/prloom/config/planstate"
	"github.com/kastheco/prloom/log"
	"github.com/kastheco/prloom/review"
)

// triageResult is what the triage agent writes to triage-result.json.
type triageResult struct {
	Rebase        bool   `json:"rebase"`
	ReplyMarkdown string `json:"reply_markdown"`
}

// Triage runs the triage sub-agent against new feedback. On success the plan
// returns to active; on any failure it blocks with an attention comment.
func (d *Deps) Triage(ctx context.Context, planID string, ps *planstate.Entry, feedback review.Feedback) {
	next, err := planfsm.ApplyTransition(ps.Status, planfsm.FeedbackArrived)
	if err != nil {
		log.WarningLog.Printf("plan %s: cannot start triage from %s: %v", planID, ps.Status, err)
		return
	}
	ps.Status = next
	d.Audit.Emit(auditlog.NewEvent(auditlog.EventTriageStarted, "feedback arrived",
		auditlog.WithPlan(planID), auditlog.WithStage(config.StageTriage)))

	d.triageRun(ctx, planID, ps, feedback)

	// Triage always hands the plan back to active; failures carry the
	// blocked latch alongside.
	if back, err := planfsm.ApplyTransition(ps.Status, planfsm.TriageFinished); err == nil {
		ps.Status = back
	}
	d.Audit.Emit(auditlog.NewEvent(auditlog.EventTriageDone, "",
		auditlog.WithPlan(planID), auditlog.WithStage(config.StageTriage)))
}

// triageRun does the actual work; false means the plan was blocked.
func (d *Deps) triageRun(ctx context.Context, planID string, ps *planstate.Entry, feedback review.Feedback) bool {
	doc, err := plandoc.ParseFile(config.WorktreePlanFile(ps.Worktree))
	if err != nil {
		d.triageFail(ctx, planID, ps, "read plan: "+err.Error())
		return false
	}

	cfg := d.planConfig(ps)
	agent := cfg.DefaultAgent(ps.Agent)
	code, h, err := d.runAgent(ctx, ps, agent,
		sessionReq(planID, config.StageTriage, ps, cfg, triagePrompt(planID, doc, feedback), d.Tmux))
	if err != nil {
		d.triageFail(ctx, planID, ps, "spawn triage agent: "+err.Error())
		return false
	}
	if code != 0 {
		d.triageFail(ctx, planID, ps, "triage agent exited non-zero\n"+h.LogTail(logTailLines))
		return false
	}

	var result triageResult
	if err := readResult(ps.Worktree, "triage", &result); err != nil {
		d.triageFail(ctx, planID, ps, err.Error())
		return false
	}

	w := d.worktreeFor(ps)
	if result.Rebase {
		rr, err := w.RebaseOnBase()
		if err != nil {
			d.triageFail(ctx, planID, ps, "rebase: "+err.Error())
			return false
		}
		if rr.HasConflicts {
			ps.Blocked = true
			ps.LastError = "Rebase conflict: " + strings.Join(rr.ConflictFiles, ", ")
			d.Audit.Emit(auditlog.NewEvent(auditlog.EventPlanBlocked, ps.LastError,
				auditlog.WithPlan(planID), auditlog.WithStage(config.StageTriage), auditlog.WithLevel("error")))
			d.postComment(ctx, planID, ps, rebaseConflictComment(planID, rr.ConflictFiles))
			return false
		}
		if err := w.ForcePush(); err != nil {
			log.WarningLog.Printf("plan %s: force push after rebase: %v", planID, err)
		}
	}

	if result.ReplyMarkdown != "" {
		d.postComment(ctx, planID, ps, result.ReplyMarkdown)
	}

	// Any edits the triage agent staged (plan updates, small fixes) are
	// committed under the triage marker.
	committed, err := w.CommitAll("[prloom] " + planID + ": triage")
	if err != nil {
		d.triageFail(ctx, planID, ps, "commit triage edits: "+err.Error())
		return false
	}
	if committed {
		if err := w.Push(); err != nil {
			log.WarningLog.Printf("plan %s: push triage edits: %v", planID, err)
		}
	}
	return true
}

// triageFail blocks the plan and posts the attention comment.
func (d *Deps) triageFail(ctx context.Context, planID string, ps *planstate.Entry, reason string) {
	d.block(planID, ps, config.StageTriage, "Triage failed: "+reason)
	d.postComment(ctx, planID, ps,
		"Attention needed: triage for plan `"+planID+"` failed and the plan is blocked.\n\n```\n"+reason+"\n```")
}
