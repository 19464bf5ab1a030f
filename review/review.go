// Package review abstracts the hosting provider a plan's change request
// lives on. The dispatcher only ever talks to the Provider interface; the
// concrete implementation is chosen by review.provider in config.
package review

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CRState is the lifecycle state of a change request.
type CRState string

const (
	StateOpen   CRState = "open"
	StateDraft  CRState = "draft"
	StateMerged CRState = "merged"
	StateClosed CRState = "closed"
)

// Review verdicts.
const (
	VerdictApprove        = "approve"
	VerdictRequestChanges = "request_changes"
	VerdictComment        = "comment"
)

// CR identifies a change request on the provider.
type CR struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Draft  bool   `json:"draft"`
}

// Comment is a top-level CR comment.
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Review is a submitted CR review.
type Review struct {
	ID      int64  `json:"id"`
	Author  string `json:"author"`
	Verdict string `json:"verdict"`
	Body    string `json:"body"`
}

// InlineComment is a review comment anchored to a file line.
type InlineComment struct {
	ID     int64  `json:"id"`
	Author string `json:"author"`
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Body   string `json:"body"`
}

// Feedback bundles the three comment categories fetched in one poll.
type Feedback struct {
	Comments       []Comment
	Reviews        []Review
	InlineComments []InlineComment
}

// Empty reports whether the poll found nothing at all.
func (f Feedback) Empty() bool {
	return len(f.Comments) == 0 && len(f.Reviews) == 0 && len(f.InlineComments) == 0
}

// Submission is one atomic review: a verdict, a summary, and inline comments
// posted together.
type Submission struct {
	Verdict  string          `json:"verdict"`
	Summary  string          `json:"summary"`
	Comments []InlineComment `json:"comments,omitempty"`
}

// Provider is the hosting-provider integration the dispatcher consumes.
type Provider interface {
	CreateDraftCR(ctx context.Context, branch, base, title, body string) (CR, error)
	UpdateCRBody(ctx context.Context, number int, body string) error
	MarkReady(ctx context.Context, number int) error
	CRStatus(ctx context.Context, number int) (CRState, error)
	FetchFeedback(ctx context.Context, number int) (Feedback, error)
	PostComment(ctx context.Context, number int, body string) error
	SubmitReview(ctx context.Context, number int, sub Submission) error
	BotLogin(ctx context.Context) (string, error)
}

// ProviderFactory builds a provider for one repository root.
type ProviderFactory func(repoRoot string) (Provider, error)

var (
	providerRegistry = make(map[string]ProviderFactory)
	providerLock     sync.RWMutex
)

// RegisterProvider makes a provider available under a config name. The local
// provider registers itself; github/custom providers register from user
// builds before the dispatcher starts.
func RegisterProvider(name string, factory ProviderFactory) {
	providerLock.Lock()
	defer providerLock.Unlock()
	providerRegistry[name] = factory
}

// NewProvider constructs the provider named by config. Empty selects local.
func NewProvider(name, repoRoot string) (Provider, error) {
	if name == "" {
		name = "local"
	}
	providerLock.RLock()
	factory, ok := providerRegistry[name]
	providerLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown review provider %q", name)
	}
	return factory(repoRoot)
}
