package runner

import (
	"fmt"
	"strings"

	"github.com/kastheco/prloom/config/plandoc"
	"github.com/kastheco/prloom/review"
)

// workerPrompt asks the agent to execute exactly one TODO and mark it done.
func workerPrompt(doc *plandoc.Document, todo plandoc.Todo) string {
	var sb strings.Builder
	sb.WriteString("You are executing one task of the plan below. Work only on the task marked CURRENT.\n\n")
	sb.WriteString("## Plan\n\n")
	sb.WriteString(doc.Raw())
	sb.WriteString("\n\n## CURRENT task\n\n")
	fmt.Fprintf(&sb, "#%d: %s\n", todo.Index, todo.Text)
	if todo.Context != "" {
		sb.WriteString("\nContext:\n" + todo.Context + "\n")
	}
	sb.WriteString("\nWhen the task is complete, edit prloom/.local/plan.md and change its checkbox from `- [ ]` to `- [x]`. ")
	sb.WriteString("Do not touch other checkboxes. Do not commit; the dispatcher commits for you.\n")
	return sb.String()
}

// triagePrompt presents new feedback and the allowed responses.
func triagePrompt(planID string, doc *plandoc.Document, feedback review.Feedback) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "New feedback arrived on the change request for plan %q. Decide how to respond.\n\n", planID)
	sb.WriteString("## Plan\n\n")
	sb.WriteString(doc.Raw())
	sb.WriteString("\n\n## Feedback\n\n")
	for _, c := range feedback.Comments {
		fmt.Fprintf(&sb, "- comment by %s: %s\n", c.Author, c.Body)
	}
	for _, r := range feedback.Reviews {
		fmt.Fprintf(&sb, "- review by %s (%s): %s\n", r.Author, r.Verdict, r.Body)
	}
	for _, ic := range feedback.InlineComments {
		fmt.Fprintf(&sb, "- inline by %s on %s:%d: %s\n", ic.Author, ic.Path, ic.Line, ic.Body)
	}
	sb.WriteString("\nWrite prloom/.local/triage-result.json with the shape\n")
	sb.WriteString("{\"rebase\": bool, \"reply_markdown\": \"...\"}.\n")
	sb.WriteString("You may also edit the plan or the code directly; staged changes are committed for you. ")
	sb.WriteString("Add follow-up work as new `- [ ]` entries in prloom/.local/plan.md rather than doing it now.\n")
	return sb.String()
}

// reviewPrompt asks the internal reviewer for an atomic verdict.
func reviewPrompt(planID string, doc *plandoc.Document) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review the change request for plan %q against its plan below. Inspect the diff with git.\n\n", planID)
	sb.WriteString("## Plan\n\n")
	sb.WriteString(doc.Raw())
	sb.WriteString("\nWrite prloom/.local/review-result.json with the shape\n")
	sb.WriteString("{\"verdict\": \"approve|request_changes|comment\", \"summary\": \"...\", ")
	sb.WriteString("\"comments\": [{\"path\": \"...\", \"line\": 1, \"body\": \"...\"}]}.\n")
	return sb.String()
}

// commitReviewPrompt asks the gate reviewer to accept or reject one commit.
func commitReviewPrompt(todo plandoc.Todo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "A commit was just made for task #%d: %s\n\n", todo.Index, todo.Text)
	sb.WriteString("Inspect the latest commit with git. If it genuinely completes the task, do nothing. ")
	sb.WriteString("If it needs re-work, edit prloom/.local/plan.md and change the task's checkbox from `- [x]` back to `- [ ]`, ")
	sb.WriteString("adding an indented note under it explaining what is wrong.\n")
	return sb.String()
}

// rebaseConflictComment is posted when triage hits a conflicted rebase.
func rebaseConflictComment(planID string, files []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Rebasing plan %q onto its base branch hit conflicts in:\n\n", planID)
	for _, f := range files {
		fmt.Fprintf(&sb, "- `%s`\n", f)
	}
	sb.WriteString("\nTo resolve, in the plan worktree:\n\n")
	sb.WriteString("```\ngit rebase <base-branch>\n# fix the conflicts\ngit add -A\ngit rebase --continue\ngit push --force-with-lease\n```\n\n")
	fmt.Fprintf(&sb, "Then run `prloom unpause %s` to resume the plan.\n", planID)
	return sb.String()
}
