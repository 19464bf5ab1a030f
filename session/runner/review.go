package runner

import (
	"context"
	"fmt"

	"github.com/kastheco/prloom/config"
	"github.com/kastheco/prloom/config/auditlog"
	"github.com/kastheco/prloom/config/plandoc"
	"github.com/kastheco/prloom/config/planfsm"
	"github.com/kastheco/prloom/config/planstate"
	"github.com/kastheco/prloom/log"
	"github.com/kastheco/prloom/review"
)

// reviewResult is what the review agent writes to review-result.json.
type reviewResult struct {
	Verdict  string `json:"verdict"`
	Summary  string `json:"summary"`
	Comments []struct {
		Path string `json:"path"`
		Line int    `json:"line"`
		Body string `json:"body"`
	} `json:"comments"`
}

// Review runs the internal reviewer against the plan's CR and submits its
// verdict atomically. Afterwards the plan polls for feedback once regardless
// of its polling schedule.
func (d *Deps) Review(ctx context.Context, planID string, ps *planstate.Entry) {
	next, err := planfsm.ApplyTransition(ps.Status, planfsm.ReviewStart)
	if err != nil {
		log.WarningLog.Printf("plan %s: cannot start review from %s: %v", planID, ps.Status, err)
		return
	}
	ps.Status = next
	ps.PendingReview = false
	d.Audit.Emit(auditlog.NewEvent(auditlog.EventReviewStarted, "",
		auditlog.WithPlan(planID), auditlog.WithStage(config.StageReview)))

	d.reviewRun(ctx, planID, ps)

	if back, err := planfsm.ApplyTransition(ps.Status, planfsm.ReviewFinished); err == nil {
		ps.Status = back
	}
	// See the reviewer's own feedback on the next tick.
	ps.PollOnce = true
	d.Audit.Emit(auditlog.NewEvent(auditlog.EventReviewDone, "",
		auditlog.WithPlan(planID), auditlog.WithStage(config.StageReview)))
}

func (d *Deps) reviewRun(ctx context.Context, planID string, ps *planstate.Entry) {
	doc, err := plandoc.ParseFile(config.WorktreePlanFile(ps.Worktree))
	if err != nil {
		d.reviewFail(ctx, planID, ps, "read plan: "+err.Error())
		return
	}

	cfg := d.planConfig(ps)
	agent := cfg.DefaultAgent(ps.Agent)
	code, h, err := d.runAgent(ctx, ps, agent,
		sessionReq(planID, config.StageReview, ps, cfg, reviewPrompt(planID, doc), d.Tmux))
	if err != nil {
		d.reviewFail(ctx, planID, ps, "spawn review agent: "+err.Error())
		return
	}
	if code != 0 {
		d.reviewFail(ctx, planID, ps, "review agent exited non-zero\n"+h.LogTail(logTailLines))
		return
	}

	var result reviewResult
	if err := readResult(ps.Worktree, "review", &result); err != nil {
		d.reviewFail(ctx, planID, ps, err.Error())
		return
	}
	verdict, err := parseVerdict(result.Verdict)
	if err != nil {
		d.reviewFail(ctx, planID, ps, err.Error())
		return
	}

	number := crNumber(ps)
	if number == 0 || d.Provider == nil {
		d.reviewFail(ctx, planID, ps, "plan has no CR to review")
		return
	}
	sub := review.Submission{Verdict: verdict, Summary: result.Summary}
	for _, c := range result.Comments {
		sub.Comments = append(sub.Comments, review.InlineComment{Path: c.Path, Line: c.Line, Body: c.Body})
	}
	if err := d.Provider.SubmitReview(ctx, number, sub); err != nil {
		d.reviewFail(ctx, planID, ps, "submit review: "+err.Error())
		return
	}
}

func parseVerdict(s string) (string, error) {
	switch s {
	case review.VerdictApprove, review.VerdictRequestChanges, review.VerdictComment:
		return s, nil
	}
	return "", fmt.Errorf("unknown review verdict %q", s)
}

// reviewFail blocks the plan and posts the attention comment.
func (d *Deps) reviewFail(ctx context.Context, planID string, ps *planstate.Entry, reason string) {
	d.block(planID, ps, config.StageReview, "Review failed: "+reason)
	d.postComment(ctx, planID, ps,
		"Attention needed: review for plan `"+planID+"` failed and the plan is blocked.\n\n```\n"+reason+"\n```")
}
