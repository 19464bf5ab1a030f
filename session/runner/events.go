package runner

import (
	"context"
	"time"

	"github.com/kastheco/prloom/bus"
	"github.com/kastheco/prloom/config/planstate"
	"github.com/kastheco/prloom/hook"
	"github.com/kastheco/prloom/log"
	"github.com/kastheco/prloom/review"
)

// DrainEvents runs the onEvent chain over the plan bus events not yet seen,
// then triages whatever the plugins did not claim. Each event is triaged at
// most once: the processed set grows before the offset moves, and the offset
// only advances once every event in the window reached a terminal outcome, so
// deferred events are re-offered from the old offset.
func (d *Deps) DrainEvents(ctx context.Context, planID string, ps *planstate.Entry, now time.Time) {
	b := bus.ForWorktree(ps.Worktree)
	ds, err := b.LoadDispatcherState()
	if err != nil {
		log.WarningLog.Printf("plan %s: load bus state: %v", planID, err)
		return
	}

	events, newOffset, err := bus.ReadEvents(b.EventsFile(), ds.EventsOffset)
	if err != nil {
		log.WarningLog.Printf("plan %s: read bus events: %v", planID, err)
		return
	}
	if len(events) == 0 {
		return
	}

	allSettled := true
	for _, e := range events {
		if ds.ProcessedSet()[e.ID] {
			continue
		}
		if ds.DeferredUntil(e.ID, now) {
			allSettled = false
			continue
		}

		if d.Hooks != nil && !d.Hooks.Empty() {
			event := e
			hctx := d.HookContext(planID, ps, &event, ds, now)
			if _, err := d.Hooks.Run(ctx, hook.OnEvent, hctx, ""); err != nil {
				d.block(planID, ps, "onEvent", "Hook error: "+err.Error())
				allSettled = false
				break
			}
		}
		if ds.ProcessedSet()[e.ID] {
			// A plugin claimed it; triage never sees it.
			continue
		}
		if ds.DeferredUntil(e.ID, now) {
			allSettled = false
			continue
		}

		// Unclaimed events become feedback for the triage agent.
		ds.MarkProcessed(e.ID)
		d.Triage(ctx, planID, ps, eventFeedback(e))
		if ps.Blocked {
			// The rest of the window was never offered; keep the offset so an
			// unpause re-reads it.
			allSettled = false
			break
		}
	}

	if allSettled && newOffset > ds.EventsOffset {
		ds.EventsOffset = newOffset
	}
	if err := b.SaveDispatcherState(ds); err != nil {
		log.ErrorLog.Printf("plan %s: save bus state: %v", planID, err)
	}
}

// eventFeedback presents one bus event in the shape the triage prompt
// renders.
func eventFeedback(e bus.Event) review.Feedback {
	body := e.Body
	if e.Title != "" {
		body = e.Title + "\n" + body
	}
	return review.Feedback{
		Comments: []review.Comment{{Author: e.Source, Body: body, CreatedAt: time.Now().UTC()}},
	}
}
