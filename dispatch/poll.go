package dispatch

import "time"

// PollDecision is the outcome of the feedback poll schedule check.
type PollDecision struct {
	ShouldPoll               bool
	ClearPollOnce            bool
	ShouldUpdateLastPolledAt bool
}

// DecidePoll is the pure schedule function for one plan's feedback poll.
// pollOnce forces a poll without touching the regular schedule, which is why
// it never updates lastPolledAt. A zero lastPolledAt counts as never polled.
func DecidePoll(now time.Time, interval time.Duration, lastPolledAt time.Time, pollOnce bool) PollDecision {
	due := lastPolledAt.IsZero() || now.Sub(lastPolledAt) >= interval
	should := pollOnce || due
	return PollDecision{
		ShouldPoll:               should,
		ClearPollOnce:            pollOnce && should,
		ShouldUpdateLastPolledAt: !pollOnce && should,
	}
}
