package review

import "github.com/kastheco/prloom/config/planstate"

// FilterNew drops feedback already behind the per-category cursors and
// anything the bot authored itself, and returns the advanced cursors. The
// cursors advance over bot-authored items too, so a comment the bot already
// reacted to counts as seen. Pure function.
func FilterNew(f Feedback, cur planstate.Cursors, botLogin string) (Feedback, planstate.Cursors) {
	next := cur
	var out Feedback

	for _, c := range f.Comments {
		if c.ID > next.Comments {
			next.Comments = c.ID
		}
		if c.ID > cur.Comments && c.Author != botLogin {
			out.Comments = append(out.Comments, c)
		}
	}
	for _, r := range f.Reviews {
		if r.ID > next.Reviews {
			next.Reviews = r.ID
		}
		if r.ID > cur.Reviews && r.Author != botLogin {
			out.Reviews = append(out.Reviews, r)
		}
	}
	for _, ic := range f.InlineComments {
		if ic.ID > next.ReviewComments {
			next.ReviewComments = ic.ID
		}
		if ic.ID > cur.ReviewComments && ic.Author != botLogin {
			out.InlineComments = append(out.InlineComments, ic)
		}
	}
	return out, next
}
