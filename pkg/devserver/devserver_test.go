package devserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentboard/agentboard/pkg/backend"
	"github.com/agentboard/agentboard/pkg/orchestrator"
	"github.com/agentboard/agentboard/pkg/progress"
	"github.com/agentboard/agentboard/pkg/stream"
)

func newClientStack(t *testing.T) (*orchestrator.Orchestrator, *Server) {
	t.Helper()
	srv := New(Config{StepDelay: 20 * time.Millisecond})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Close() })

	orch := orchestrator.New(orchestrator.Config{
		ProjectID: "demo",
		Backend:   backend.New(ts.URL),
		Streams: stream.NewManager(func(string) (message.Subscriber, bool, error) {
			return stream.NewWSSubscriber(ts.URL, nil), true, nil
		}),
		TrackerOptions: []progress.Option{progress.WithGrace(0)},
	})
	t.Cleanup(orch.Close)
	return orch, srv
}

func TestEndToEnd_ApprovedRun(t *testing.T) {
	orch, _ := newClientStack(t)
	ctx := context.Background()

	require.NoError(t, orch.Submit(ctx, "evaluate entering the nordic market"))

	require.Eventually(t, func() bool {
		_, ok := orch.PendingPlan()
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	plan, _ := orch.PendingPlan()
	require.NotNil(t, plan.Metadata.Plan)
	assert.Len(t, plan.Metadata.Plan.Agents, 3)

	require.NoError(t, orch.Approve(ctx, "looks good"))

	var resultContent string
	require.Eventually(t, func() bool {
		for _, m := range orch.Messages() {
			if m.Metadata.HasResult {
				resultContent = m.Content
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)
	assert.Contains(t, resultContent, "nordic market")

	require.Eventually(t, func() bool {
		return !orch.IsStreaming()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEndToEnd_Rejection(t *testing.T) {
	orch, _ := newClientStack(t)
	ctx := context.Background()

	require.NoError(t, orch.Submit(ctx, "please reject this"))

	require.Eventually(t, func() bool {
		snap, ok := orch.Snapshot()
		return ok && snap.Status != ""
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return !orch.IsStreaming()
	}, 5*time.Second, 20*time.Millisecond)

	found := false
	for _, m := range orch.Messages() {
		if m.Content == "the demo analysis team only handles market questions" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEndToEnd_FollowUpSkipsApproval(t *testing.T) {
	orch, _ := newClientStack(t)
	ctx := context.Background()

	require.NoError(t, orch.Submit(ctx, "initial question"))
	require.Eventually(t, func() bool {
		_, ok := orch.PendingPlan()
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, orch.Approve(ctx, ""))
	require.Eventually(t, func() bool {
		for _, m := range orch.Messages() {
			if m.Metadata.HasResult {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	// The second query chains to the completed entry and never pauses
	// for approval.
	require.NoError(t, orch.Submit(ctx, "what about pricing"))
	require.Eventually(t, func() bool {
		count := 0
		for _, m := range orch.Messages() {
			if m.Metadata.HasResult {
				count++
			}
		}
		return count == 2
	}, 10*time.Second, 20*time.Millisecond)

	_, pending := orch.PendingPlan()
	assert.False(t, pending)
}
