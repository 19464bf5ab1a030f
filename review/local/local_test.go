package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastheco/prloom/review"
)

func TestCreateUpdateMarkReady(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()

	cr, err := p.CreateDraftCR(ctx, "plan/auth", "main", "Auth refactor", "## Objective\nFix auth.")
	require.NoError(t, err)
	assert.Equal(t, 1, cr.Number)
	assert.True(t, cr.Draft)

	state, err := p.CRStatus(ctx, cr.Number)
	require.NoError(t, err)
	assert.Equal(t, review.StateDraft, state)

	require.NoError(t, p.UpdateCRBody(ctx, cr.Number, "## Objective\nFix auth.\n\n- [x] step"))
	require.NoError(t, p.MarkReady(ctx, cr.Number))

	state, err = p.CRStatus(ctx, cr.Number)
	require.NoError(t, err)
	assert.Equal(t, review.StateOpen, state)

	// Numbers are sequential.
	cr2, err := p.CreateDraftCR(ctx, "plan/other", "main", "Other", "")
	require.NoError(t, err)
	assert.Equal(t, 2, cr2.Number)
}

func TestMergedAndClosedStates(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()
	cr, err := p.CreateDraftCR(ctx, "plan/x", "main", "X", "")
	require.NoError(t, err)

	require.NoError(t, p.SetState(cr.Number, "merged"))
	state, err := p.CRStatus(ctx, cr.Number)
	require.NoError(t, err)
	assert.Equal(t, review.StateMerged, state)

	require.NoError(t, p.SetState(cr.Number, "closed"))
	state, err = p.CRStatus(ctx, cr.Number)
	require.NoError(t, err)
	assert.Equal(t, review.StateClosed, state)
}

func TestFeedbackRoundTrip(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()
	cr, err := p.CreateDraftCR(ctx, "plan/x", "main", "X", "")
	require.NoError(t, err)

	require.NoError(t, p.PostComment(ctx, cr.Number, "first"))
	require.NoError(t, p.SubmitReview(ctx, cr.Number, review.Submission{
		Verdict: review.VerdictRequestChanges,
		Summary: "needs work",
		Comments: []review.InlineComment{
			{Path: "a.go", Line: 10, Body: "rename this"},
		},
	}))

	f, err := p.FetchFeedback(ctx, cr.Number)
	require.NoError(t, err)
	require.Len(t, f.Comments, 1)
	assert.Equal(t, BotLogin, f.Comments[0].Author)
	require.Len(t, f.Reviews, 1)
	assert.Equal(t, review.VerdictRequestChanges, f.Reviews[0].Verdict)
	require.Len(t, f.InlineComments, 1)
	assert.Equal(t, "a.go", f.InlineComments[0].Path)

	// Ids are monotonic across categories.
	assert.Greater(t, f.Reviews[0].ID, f.Comments[0].ID)
	assert.Greater(t, f.InlineComments[0].ID, f.Reviews[0].ID)
}

func TestProviderRegistry(t *testing.T) {
	p, err := review.NewProvider("local", t.TempDir())
	require.NoError(t, err)
	login, err := p.BotLogin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BotLogin, login)

	_, err = review.NewProvider("does-not-exist", t.TempDir())
	assert.Error(t, err)
}
