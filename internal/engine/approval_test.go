package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabula-ai/fabula/pkg/schema"
)

func TestGateApprove(t *testing.T) {
	g := NewGate(nil)

	type outcome struct {
		res *Resolution
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := g.Request(context.Background(), "run-1", "review", nil, time.Minute)
		ch <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return g.Pending("run-1") }, time.Second, 5*time.Millisecond)
	require.True(t, g.Submit("run-1", schema.DecisionApproved, ""))

	got := <-ch
	require.NoError(t, got.err)
	assert.Equal(t, schema.DecisionApproved, got.res.Decision)
	assert.False(t, g.Pending("run-1"))
}

func TestGateFeedbackCarriesText(t *testing.T) {
	g := NewGate(nil)

	ch := make(chan *Resolution, 1)
	go func() {
		res, err := g.Request(context.Background(), "run-1", "review", nil, time.Minute)
		require.NoError(t, err)
		ch <- res
	}()

	require.Eventually(t, func() bool { return g.Pending("run-1") }, time.Second, 5*time.Millisecond)
	require.True(t, g.Submit("run-1", schema.DecisionFeedback, "tighten the second act"))

	res := <-ch
	assert.Equal(t, schema.DecisionFeedback, res.Decision)
	assert.Equal(t, "tighten the second act", res.Feedback)
}

func TestGateTimeout(t *testing.T) {
	g := NewGate(nil)

	_, err := g.Request(context.Background(), "run-1", "review", nil, 20*time.Millisecond)
	require.Error(t, err)

	var fErr *schema.FabulaError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeApprovalTimeout, fErr.Code)
	assert.Equal(t, "review", fErr.State)

	// A submit after the timeout is late: nothing is pending anymore.
	assert.False(t, g.Submit("run-1", schema.DecisionApproved, ""))
}

func TestGatePendingReviewExposesContent(t *testing.T) {
	g := NewGate(nil)

	content := map[string]any{
		"draft": map[string]any{"writer": "once upon a time"},
		"score": 8.0,
	}
	go func() {
		_, _ = g.Request(context.Background(), "run-1", "review", content, time.Minute)
	}()
	require.Eventually(t, func() bool { return g.Pending("run-1") }, time.Second, 5*time.Millisecond)

	review, ok := g.PendingReview("run-1")
	require.True(t, ok)
	assert.Equal(t, "run-1", review.RunID)
	assert.Equal(t, "review", review.State)
	assert.Equal(t, content, review.Content)
	assert.False(t, review.RequestedAt.IsZero())

	require.True(t, g.Submit("run-1", schema.DecisionApproved, ""))
	_, ok = g.PendingReview("run-1")
	assert.False(t, ok, "a resolved review is no longer pending")
}

func TestGateSubmitWithoutPending(t *testing.T) {
	g := NewGate(nil)
	assert.False(t, g.Submit("nobody-home", schema.DecisionApproved, ""))
}

func TestGateRejectsInvalidDecision(t *testing.T) {
	g := NewGate(nil)

	go func() {
		_, _ = g.Request(context.Background(), "run-1", "review", nil, time.Minute)
	}()
	require.Eventually(t, func() bool { return g.Pending("run-1") }, time.Second, 5*time.Millisecond)

	assert.False(t, g.Submit("run-1", schema.Decision("maybe"), ""))
	// The request is still pending; the bogus decision consumed nothing.
	assert.True(t, g.Pending("run-1"))
	require.True(t, g.Submit("run-1", schema.DecisionAbort, ""))
}

func TestGateDoublePendingRejected(t *testing.T) {
	g := NewGate(nil)

	go func() {
		_, _ = g.Request(context.Background(), "run-1", "review", nil, time.Minute)
	}()
	require.Eventually(t, func() bool { return g.Pending("run-1") }, time.Second, 5*time.Millisecond)

	_, err := g.Request(context.Background(), "run-1", "review", nil, time.Minute)
	var fErr *schema.FabulaError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeConflict, fErr.Code)

	g.Submit("run-1", schema.DecisionApproved, "")
}

func TestGateCancelledContext(t *testing.T) {
	g := NewGate(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := g.Request(ctx, "run-1", "review", nil, time.Minute)
	var fErr *schema.FabulaError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeCancelled, fErr.Code)
}
